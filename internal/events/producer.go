package events

import (
	"context"
	"encoding/json"
	"time"

	"agrispare-be/internal/logger"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultTransitionsTopic = "quote.transitions"

// QuoteTransitioned is published after a quote changes status. Downstream
// systems (notifications, inventory) react to it; nothing here waits for them.
type QuoteTransitioned struct {
	QuoteID     uuid.UUID `json:"quote_id"`
	QuoteNumber string    `json:"quote_number"`
	Action      string    `json:"action"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	ClientID    uuid.UUID `json:"client_id"`
	VendorID    uuid.UUID `json:"vendor_id"`
	ActorID     uuid.UUID `json:"actor_id"`
	ActorRole   string    `json:"actor_role"`
	TotalAmount string    `json:"total_amount"`
	EventTime   time.Time `json:"event_time"`
}

type Publisher interface {
	PublishTransition(ctx context.Context, event QuoteTransitioned) error
}

// NopPublisher drops events. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) PublishTransition(context.Context, QuoteTransitioned) error { return nil }

type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Version = sarama.V2_6_0_0

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}
	return NewKafkaPublisherWithProducer(producer, topic), nil
}

func NewKafkaPublisherWithProducer(producer sarama.SyncProducer, topic string) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTransitionsTopic
	}
	return &KafkaPublisher{producer: producer, topic: topic}
}

func (p *KafkaPublisher) PublishTransition(ctx context.Context, event QuoteTransitioned) error {
	if event.EventTime.IsZero() {
		event.EventTime = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	// Keyed by quote so one quote's transitions stay on one partition, in order.
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.QuoteID.String()),
		Value: sarama.ByteEncoder(data),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		logger.FromCtx(ctx).Error("failed to publish quote transition",
			zap.String("topic", p.topic),
			zap.String("quote_id", event.QuoteID.String()),
			zap.Error(err),
		)
		return err
	}

	logger.FromCtx(ctx).Debug("quote transition published",
		zap.String("topic", p.topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
		zap.String("quote_id", event.QuoteID.String()),
		zap.String("to", event.To),
	)
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
