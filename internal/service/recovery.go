package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/punchamoorthee/shardledger/internal/domain"
	"go.opentelemetry.io/otel/attribute"
)

// RecoveryReport counts what one sweep did.
type RecoveryReport struct {
	Scanned   int `json:"scanned"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Recover re-drives transfers that stayed PENDING longer than the pending
// timeout:
//   - no debit recorded: FAILED
//   - debit compensated already: FAILED
//   - credit recorded on the destination: COMPLETED
//   - otherwise the source is compensated, then FAILED
//
// Transfers whose destination cannot be reached are skipped and picked up by
// the next sweep.
func (c *Coordinator) Recover(ctx context.Context) (RecoveryReport, error) {
	ctx, span := c.tracer.Start(ctx, "Coordinator.Recover")
	defer span.End()

	var (
		report RecoveryReport
		errs   []error
	)
	cutoff := c.now().Add(-c.opts.PendingTimeout)
	for idx, ledger := range c.shards {
		stale, err := ledger.StalePending(ctx, cutoff, c.opts.RecoveryBatch)
		if err != nil {
			c.logger.Warn("recovery scan failed", slog.Int("shard", idx), slog.Any("error", err))
			errs = append(errs, err)
			continue
		}
		for _, t := range stale {
			report.Scanned++
			outcome := c.resume(ctx, idx, t)
			recoveredTotal.WithLabelValues(outcome).Inc()
			switch outcome {
			case "completed":
				report.Completed++
			case "failed":
				report.Failed++
			default:
				report.Skipped++
			}
		}
	}

	span.SetAttributes(
		attribute.Int("recovery.scanned", report.Scanned),
		attribute.Int("recovery.completed", report.Completed),
		attribute.Int("recovery.failed", report.Failed),
	)
	if report.Scanned > 0 {
		c.logger.Info("recovery sweep finished",
			slog.Int("scanned", report.Scanned), slog.Int("completed", report.Completed),
			slog.Int("failed", report.Failed), slog.Int("skipped", report.Skipped))
	}
	return report, errors.Join(errs...)
}

func (c *Coordinator) resume(ctx context.Context, idx int, t *domain.Transfer) string {
	ctx = context.WithoutCancel(ctx)
	from := c.shards[idx]
	log := c.logger.With(slog.String("transfer_id", t.ID))

	failed := func() string {
		if err := from.FailTransfer(ctx, t.ID, domain.ReasonRecoveredTimeout); err != nil {
			log.Warn("recovery could not fail transfer", slog.Any("error", err))
			return "skipped"
		}
		return "failed"
	}

	debited, err := from.HasLeg(ctx, t.ID, domain.LegDebit)
	if err != nil {
		log.Warn("recovery could not read source shard", slog.Any("error", err))
		return "skipped"
	}
	if !debited {
		return failed()
	}
	// Same-shard transfers commit both legs with the status change.
	toIdx := c.router.ShardOf(t.ToAccount)
	if toIdx == idx {
		return c.complete(ctx, from, t, log)
	}

	compensated, err := from.HasLeg(ctx, t.ID, domain.LegCompensate)
	if err != nil {
		return "skipped"
	}
	if compensated {
		return failed()
	}

	credited, err := c.shards[toIdx].HasLeg(ctx, t.ID, domain.LegCredit)
	if err != nil {
		log.Warn("destination unreachable, leaving transfer pending", slog.Int("to_shard", toIdx), slog.Any("error", err))
		return "skipped"
	}
	if credited {
		return c.complete(ctx, from, t, log)
	}

	if err := c.compensate(ctx, idx, t); err != nil {
		return "skipped"
	}
	return failed()
}

func (c *Coordinator) complete(ctx context.Context, from Ledger, t *domain.Transfer, log *slog.Logger) string {
	ev, err := completedEvent(t, c.now())
	if err != nil {
		log.Error("recovery could not build event", slog.Any("error", err))
		return "skipped"
	}
	if err := from.CompleteTransfer(ctx, t.ID, ev); err != nil {
		log.Warn("recovery could not complete transfer", slog.Any("error", err))
		return "skipped"
	}
	if t.ReversalOf != "" {
		orig := c.shards[c.router.ShardOf(t.ToAccount)]
		if err := orig.MarkReversed(ctx, t.ReversalOf, t.ID); err != nil {
			log.Warn("recovery could not mark original reversed", slog.String("original_id", t.ReversalOf), slog.Any("error", err))
		}
	}
	return "completed"
}

// RunRecovery sweeps every interval until ctx is cancelled.
func (c *Coordinator) RunRecovery(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("recovery sweeper started", slog.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("recovery sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := c.Recover(ctx); err != nil {
				c.logger.Warn("recovery sweep incomplete", slog.Any("error", err))
			}
		}
	}
}
