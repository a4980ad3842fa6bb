package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/punchamoorthee/shardledger/internal/api"
	"github.com/punchamoorthee/shardledger/internal/app"
	"github.com/punchamoorthee/shardledger/internal/broker"
	"github.com/punchamoorthee/shardledger/internal/config"
	"github.com/punchamoorthee/shardledger/internal/domain"
	"github.com/punchamoorthee/shardledger/internal/logging"
	"github.com/punchamoorthee/shardledger/internal/outbox"
	"github.com/punchamoorthee/shardledger/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// Consumer groups.
const (
	groupDecision = "fraud-decision"
	groupAction   = "fraud-action"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat).
		With(slog.String("env", cfg.Env))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTelServiceName, cfg.OTelEndpoint)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	// Initialize Layers
	a, err := app.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	bus, err := openBroker(cfg, logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	consumer, err := a.DecisionConsumer()
	if err != nil {
		return err
	}
	engine := a.Engine()
	handler, err := a.Handler(engine)
	if err != nil {
		return err
	}
	auth := api.NewAuthenticator(cfg.AuthJWTSecret, cfg.AuthIssuer, cfg.AuthAudience)
	if cfg.AuthJWTSecret == "" {
		logger.Warn("AUTH_JWT_SECRET not set, admin routes will reject every request")
	}

	relay := outbox.NewPublisher(a.OutboxSources(), bus, outbox.Config{
		Interval:    cfg.OutboxPollInterval,
		BatchSize:   cfg.OutboxBatchSize,
		Lease:       cfg.OutboxLease,
		MaxAttempts: cfg.OutboxMaxAttempts,
	}, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.Routes(auth),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", slog.String("addr", srv.Addr), slog.Int("shards", a.Router.Count()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return a.Coordinator.RunRecovery(gctx, cfg.RecoveryInterval) })
	g.Go(func() error { return engine.RunResume(gctx, cfg.RecoveryInterval) })
	for i := 0; i < cfg.FraudWorkers; i++ {
		g.Go(func() error {
			return bus.Subscribe(gctx, domain.TopicTransferCompleted, groupDecision, consumer.Handle)
		})
		g.Go(func() error {
			return bus.Subscribe(gctx, domain.TopicFraudDecision, groupAction, engine.Handle)
		})
	}
	return g.Wait()
}

func openBroker(cfg *config.Config, logger *slog.Logger) (broker.Broker, error) {
	if cfg.BrokerKind == "rabbitmq" {
		r := broker.NewRabbitMQ(cfg.BrokerURL, cfg.BrokerExchange, logger)
		if err := r.Connect(); err != nil {
			return nil, err
		}
		return r, nil
	}
	logger.Warn("using the in-memory broker, events are not durable across restarts")
	return broker.NewMemoryBus(100*time.Millisecond, logger), nil
}
