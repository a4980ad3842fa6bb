// Package app opens the stores named by the configuration and builds the
// components shared by the binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/punchamoorthee/shardledger/internal/api"
	"github.com/punchamoorthee/shardledger/internal/config"
	"github.com/punchamoorthee/shardledger/internal/fraud"
	"github.com/punchamoorthee/shardledger/internal/outbox"
	"github.com/punchamoorthee/shardledger/internal/service"
	"github.com/punchamoorthee/shardledger/internal/shard"
	"github.com/punchamoorthee/shardledger/internal/store"
)

// App holds the opened stores and the components built on them.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Router      *shard.Router
	Shards      []*store.Shard
	Fraud       *store.FraudStore
	Coordinator *service.Coordinator
}

// Open connects to every shard and the fraud store.
func Open(cfg *config.Config, logger *slog.Logger) (*App, error) {
	router, err := shard.NewRouter(cfg.ShardCount())
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: logger, Router: router}

	ledgers := make([]service.Ledger, 0, len(cfg.ShardDSNs))
	for i, dsn := range cfg.ShardDSNs {
		s, err := store.OpenShard(i, dsn)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open shard %d: %w", i, err)
		}
		a.Shards = append(a.Shards, s)
		ledgers = append(ledgers, s)
	}
	a.Fraud, err = store.OpenFraud(cfg.FraudDSN)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open fraud store: %w", err)
	}

	a.Coordinator, err = service.NewCoordinator(router, ledgers, a.Fraud, service.Options{
		LegTimeout:     cfg.LegTimeout,
		PendingTimeout: cfg.PendingTimeout,
		MaxLegAttempts: cfg.ConflictMaxRetries,
	}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Stats aggregates all shards and the fraud store.
func (a *App) Stats(ctx context.Context) (*service.Stats, error) {
	statsers := make([]service.ShardStatser, len(a.Shards))
	for i, s := range a.Shards {
		statsers[i] = s
	}
	return service.CollectStats(ctx, statsers, a.Fraud)
}

// Engine builds the fraud action engine.
func (a *App) Engine() *fraud.Engine {
	return fraud.NewEngine(a.Fraud, a.Coordinator, fraud.EngineOptions{StaleAfter: a.Config.PendingTimeout}, a.Logger)
}

// DecisionConsumer builds the fraud scorer and its consumer.
func (a *App) DecisionConsumer() (*fraud.DecisionConsumer, error) {
	scorer, err := fraud.NewScorer(a.Config.FraudScoreCeiling, a.Config.FraudBlockThreshold, a.Config.FraudReviewThreshold)
	if err != nil {
		return nil, err
	}
	return fraud.NewDecisionConsumer(a.Fraud, scorer, a.Logger), nil
}

// OutboxSources lists every outbox the relay drains: each shard, then the
// fraud store.
func (a *App) OutboxSources() []outbox.Source {
	sources := make([]outbox.Source, 0, len(a.Shards)+1)
	for _, s := range a.Shards {
		sources = append(sources, s)
	}
	return append(sources, a.Fraud)
}

// Handler builds the HTTP handler.
func (a *App) Handler(engine *fraud.Engine) (*api.Handler, error) {
	accounts := make([]api.AccountStore, len(a.Shards))
	for i, s := range a.Shards {
		accounts[i] = s
	}
	return api.NewHandler(a.Coordinator, accounts, engine, a.Stats, a.Logger)
}

// Ping checks every store.
func (a *App) Ping(ctx context.Context) error {
	var errs []error
	for _, s := range a.Shards {
		if err := s.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	if err := a.Fraud.Ping(ctx); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", a.Fraud.Name(), err))
	}
	return errors.Join(errs...)
}

// Close closes every opened store.
func (a *App) Close() error {
	var errs []error
	for _, s := range a.Shards {
		errs = append(errs, s.Close())
	}
	if a.Fraud != nil {
		errs = append(errs, a.Fraud.Close())
	}
	return errors.Join(errs...)
}
