package main

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agrispare-be/internal/config"
	"agrispare-be/internal/db"
	"agrispare-be/internal/events"
	"agrispare-be/internal/feed"
	"agrispare-be/internal/httpapi"
	"agrispare-be/internal/logger"
	"agrispare-be/internal/metrics"
	"agrispare-be/internal/middleware"
	"agrispare-be/internal/quote"
	"agrispare-be/internal/realtime"
	"agrispare-be/internal/user"

	"go.uber.org/zap"
)

var (
	initDBFunc      = db.InitDB
	startServerFunc = func(srv *http.Server) error { return srv.ListenAndServe() }
)

const (
	shutdownTimeout = 15 * time.Second
	feedRetryDelay  = 5 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logger.L().Fatal("server exited", zap.Error(err))
	}
}

type server struct {
	http    *http.Server
	hub     *realtime.Hub
	closers []io.Closer
}

func (s *server) close() {
	s.hub.Close()
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			logger.L().Warn("failed to close component", zap.Error(err))
		}
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger.Init(cfg.AppEnv)
	defer logger.Sync()

	database := initDBFunc(cfg)
	defer database.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv, err := newServer(ctx, cfg, database)
	if err != nil {
		return err
	}
	defer srv.close()

	errCh := make(chan error, 1)
	go func() {
		logger.L().Info("HTTP server running", zap.String("addr", srv.http.Addr))
		errCh <- startServerFunc(srv.http)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.L().Info("shutting down server")
	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	return srv.http.Shutdown(shutdownCtx)
}

// newServer wires every component and starts the background loops, which
// stop with ctx.
func newServer(ctx context.Context, cfg *config.Config, database *sql.DB) (*server, error) {
	m := &metrics.Negotiation{}
	s := &server{}

	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		p, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		if err != nil {
			return nil, err
		}
		publisher = p
		s.closers = append(s.closers, p)
	}

	userRepo := user.NewRepository(database)
	userSvc := user.NewService(userRepo)

	quoteRepo := quote.NewRepository(database)
	quoteSvc := quote.NewService(quoteRepo, userRepo, publisher, m)

	broker := feed.NewBroker()
	source, err := newFeedSource(cfg)
	if err != nil {
		return nil, err
	}
	if source != nil {
		s.closers = append(s.closers, source)
		go runFeed(ctx, source, broker)
	}

	s.hub = realtime.NewHub(quoteSvc, broker, m, cfg.CORSOrigin)

	limiter := middleware.NewRateLimiter()
	go limiter.Run(ctx)

	handler := httpapi.NewRouter(httpapi.Deps{
		Quotes:     quoteSvc,
		Users:      userSvc,
		Live:       http.HandlerFunc(s.hub.HandleWebSocket),
		Metrics:    m,
		Limiter:    limiter,
		DB:         database,
		CORSOrigin: cfg.CORSOrigin,
	})

	s.http = &http.Server{
		Addr:              ":" + cfg.AppPort,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

func newFeedSource(cfg *config.Config) (feed.Source, error) {
	switch cfg.FeedDriver {
	case config.FeedPostgres:
		return feed.NewPGListener(db.DSN(cfg), cfg.FeedChannel), nil
	case config.FeedKafka:
		return feed.NewKafkaSource(cfg.KafkaBrokers, cfg.KafkaGroupID, cfg.KafkaFeedTopic)
	}
	return nil, nil
}

// runFeed keeps the change feed attached. Every reattachment is followed by
// a resync, since notifications may have been lost in between.
func runFeed(ctx context.Context, src feed.Source, broker *feed.Broker) {
	log := logger.L().With(zap.String("component", "feed"))
	for {
		err := src.Listen(ctx, broker.Publish)
		if ctx.Err() != nil {
			return
		}
		log.Warn("change feed detached, retrying", zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(feedRetryDelay):
		}
		broker.Publish(ctx, feed.Event{Type: feed.EventResync})
	}
}
