package feed

import (
	"context"
	"errors"

	"agrispare-be/internal/logger"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

const DefaultTopic = "quote.changes"

// KafkaSource reads change events from a CDC topic carrying the same JSON the
// postgres triggers emit.
type KafkaSource struct {
	group sarama.ConsumerGroup
	topic string
}

func NewKafkaSource(brokers []string, groupID, topic string) (*KafkaSource, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Version = sarama.V2_6_0_0

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, err
	}
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaSource{group: group, topic: topic}, nil
}

func (k *KafkaSource) Listen(ctx context.Context, handle Handler) error {
	log := logger.FromCtx(ctx).With(zap.String("component", "feed"), zap.String("topic", k.topic))
	h := &claimHandler{ctx: ctx, handle: handle}

	for {
		if err := k.group.Consume(ctx, []string{k.topic}, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			log.Error("error consuming change feed", zap.Error(err))
			return err
		}
		if ctx.Err() != nil {
			log.Info("change feed stopped")
			return nil
		}
	}
}

func (k *KafkaSource) Close() error {
	return k.group.Close()
}

type claimHandler struct {
	ctx    context.Context
	handle Handler
}

// Setup runs at the start of each session. A rebalance may skip messages
// for this member, so views are resynced.
func (h *claimHandler) Setup(sarama.ConsumerGroupSession) error {
	h.handle(h.ctx, Event{Type: EventResync})
	return nil
}

func (h *claimHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *claimHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.handleMessage(msg)
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *claimHandler) handleMessage(msg *sarama.ConsumerMessage) {
	ev, err := ParseEvent(msg.Value)
	if err != nil {
		logger.FromCtx(h.ctx).Warn("dropping malformed change event",
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		return
	}
	h.handle(h.ctx, ev)
}
