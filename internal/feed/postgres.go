package feed

import (
	"context"
	"time"

	"agrispare-be/internal/logger"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

const DefaultChannel = "quote_changes"

// notifier is the part of *pq.Listener the feed uses.
type notifier interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

// PGListener turns postgres NOTIFY payloads on the quote tables into Events.
type PGListener struct {
	listener     notifier
	channel      string
	pingInterval time.Duration
}

func NewPGListener(dsn, channel string) *PGListener {
	log := logger.L().With(zap.String("component", "feed"), zap.String("channel", channel))
	l := pq.NewListener(dsn, 2*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			log.Info("change feed connected")
		case pq.ListenerEventDisconnected:
			log.Warn("change feed disconnected", zap.Error(err))
		case pq.ListenerEventReconnected:
			log.Info("change feed reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			log.Warn("change feed connection attempt failed", zap.Error(err))
		}
	})
	return newPGListener(l, channel)
}

func newPGListener(n notifier, channel string) *PGListener {
	if channel == "" {
		channel = DefaultChannel
	}
	return &PGListener{listener: n, channel: channel, pingInterval: 90 * time.Second}
}

func (p *PGListener) Listen(ctx context.Context, handle Handler) error {
	log := logger.FromCtx(ctx).With(zap.String("component", "feed"), zap.String("channel", p.channel))

	if err := p.listener.Listen(p.channel); err != nil {
		log.Error("failed to listen on channel", zap.Error(err))
		return err
	}

	ticker := time.NewTicker(p.pingInterval)
	defer ticker.Stop()

	notifications := p.listener.NotificationChannel()
	for {
		select {
		case <-ctx.Done():
			log.Info("change feed stopped")
			return nil

		case n, ok := <-notifications:
			if !ok {
				return nil
			}
			// pq sends nil after re-establishing a lost connection.
			if n == nil {
				handle(ctx, Event{Type: EventResync})
				continue
			}
			ev, err := ParseEvent([]byte(n.Extra))
			if err != nil {
				log.Warn("dropping malformed notification", zap.String("payload", n.Extra), zap.Error(err))
				continue
			}
			handle(ctx, ev)

		case <-ticker.C:
			if err := p.listener.Ping(); err != nil {
				log.Warn("change feed ping failed", zap.Error(err))
			}
		}
	}
}

func (p *PGListener) Close() error {
	return p.listener.Close()
}
