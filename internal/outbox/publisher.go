// Package outbox relays committed outbox rows to the broker.
package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/shardledger/internal/broker"
	"github.com/punchamoorthee/shardledger/internal/domain"
)

var (
	publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_published_total",
		Help: "Outbox events published to the broker",
	}, []string{"source", "event_type"})

	publishFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_publish_failures_total",
		Help: "Outbox events whose publish retries were exhausted",
	}, []string{"source"})
)

// Source is a database holding an outbox table. *store.Shard and
// *store.FraudStore implement it.
type Source interface {
	Name() string
	ClaimPending(ctx context.Context, limit int, lease time.Duration) ([]*domain.OutboxEvent, error)
	MarkProcessed(ctx context.Context, id string) error
	RecordPublishFailure(ctx context.Context, id string, cause error) error
}

// Config tunes the relay.
type Config struct {
	Interval       time.Duration
	BatchSize      int
	Lease          time.Duration
	PublishTimeout time.Duration
	MaxAttempts    int
	RetryInterval  time.Duration
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 500 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Lease <= 0 {
		c.Lease = 30 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 50 * time.Millisecond
	}
}

// Publisher polls every source and publishes what it claims.
type Publisher struct {
	sources []Source
	broker  broker.Publisher
	cfg     Config
	logger  *slog.Logger
}

// NewPublisher creates a relay over sources.
func NewPublisher(sources []Source, b broker.Publisher, cfg Config, logger *slog.Logger) *Publisher {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{sources: sources, broker: b, cfg: cfg, logger: logger}
}

// Run relays until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "outbox publisher started",
		slog.Duration("interval", p.cfg.Interval), slog.Int("sources", len(p.sources)))
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("outbox publisher stopped")
			return nil
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce relays one batch from every source and returns how many events
// were published.
func (p *Publisher) RunOnce(ctx context.Context) int {
	published := 0
	for _, src := range p.sources {
		published += p.process(ctx, src)
	}
	return published
}

func (p *Publisher) process(ctx context.Context, src Source) int {
	events, err := src.ClaimPending(ctx, p.cfg.BatchSize, p.cfg.Lease)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to claim pending events",
			slog.String("source", src.Name()), slog.String("error", err.Error()))
		return 0
	}
	if len(events) == 0 {
		return 0
	}

	published := 0
	for _, event := range events {
		log := p.logger.With(
			slog.String("source", src.Name()),
			slog.String("event_id", event.ID),
			slog.String("event_type", string(event.EventType)),
		)

		if err := p.publish(ctx, event); err != nil {
			publishFailuresTotal.WithLabelValues(src.Name()).Inc()
			log.ErrorContext(ctx, "failed to publish event", slog.String("error", err.Error()))
			if err := src.RecordPublishFailure(ctx, event.ID, err); err != nil {
				log.ErrorContext(ctx, "failed to record publish failure", slog.String("error", err.Error()))
			}
			continue
		}
		publishedTotal.WithLabelValues(src.Name(), string(event.EventType)).Inc()
		published++

		// A failed mark only causes a duplicate delivery after the lease.
		if err := src.MarkProcessed(ctx, event.ID); err != nil {
			log.ErrorContext(ctx, "failed to mark event as processed", slog.String("error", err.Error()))
		}
	}
	return published
}

func (p *Publisher) publish(ctx context.Context, event *domain.OutboxEvent) error {
	topic, err := event.EventType.Topic()
	if err != nil {
		return err
	}
	msg := broker.Message{
		ID:    event.ID,
		Topic: topic,
		Key:   event.AggregateID,
		Type:  string(event.EventType),
		Body:  event.Payload,
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.RetryInterval
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		pubCtx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
		defer cancel()
		return struct{}{}, p.broker.Publish(pubCtx, msg)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(p.cfg.MaxAttempts)))
	return err
}
