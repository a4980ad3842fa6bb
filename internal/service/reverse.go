package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	"github.com/punchamoorthee/shardledger/internal/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ReversalRequest identifies a completed transfer to send back. Attempt
// numbers start at 1; each attempt is its own reversal transfer.
type ReversalRequest struct {
	OriginalID string
	From       string
	To         string
	Amount     int64
	Currency   string
	Attempt    int
}

// ReversalID is the deterministic id of the reversal transfer for an attempt.
func ReversalID(originalID string, attempt int) string {
	return uuid.NewSHA1(reversalNamespace, []byte(originalID+"/"+strconv.Itoa(attempt))).String()
}

// Reverse moves a completed transfer's amount back from its destination to
// its source. The reversal ignores the sender's fraud status. Calling it
// again with the same attempt resumes the same reversal transfer; calling it
// for an original that is already REVERSED returns the reversal that did it.
//
// The returned transfer may be FAILED (for example when the destination has
// since spent the funds) or, together with an error, PENDING.
func (c *Coordinator) Reverse(ctx context.Context, req ReversalRequest) (*domain.Transfer, error) {
	ctx, span := c.tracer.Start(ctx, "Coordinator.Reverse")
	defer span.End()
	span.SetAttributes(attribute.String("transfer.original_id", req.OriginalID), attribute.Int("reversal.attempt", req.Attempt))

	rev, err := c.reverse(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if rev != nil {
		reversalsTotal.WithLabelValues(string(rev.Status)).Inc()
	}
	return rev, err
}

func (c *Coordinator) reverse(ctx context.Context, req ReversalRequest) (*domain.Transfer, error) {
	if req.Attempt < 1 {
		return nil, fmt.Errorf("%w: reversal attempt must be positive", domain.ErrInvalidTransfer)
	}

	origLedger := c.shards[c.router.ShardOf(req.From)]
	orig, err := origLedger.GetTransfer(ctx, req.OriginalID)
	if err != nil {
		return nil, err
	}
	if orig.ToAccount != req.To || orig.Amount != req.Amount || orig.Currency != req.Currency {
		return nil, fmt.Errorf("%w: reversal request does not match %s", domain.ErrInvalidTransfer, orig.ID)
	}

	switch {
	case orig.ReversalOf != "":
		return nil, fmt.Errorf("%w: %s is itself a reversal", domain.ErrNotReversible, orig.ID)
	case orig.Status == domain.TransferReversed:
		return c.GetTransfer(ctx, orig.ReversedBy)
	case orig.Status != domain.TransferCompleted:
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrNotReversible, orig.ID, orig.Status)
	}

	// Source and destination swap; the record lives with the new source.
	revLedger := c.shards[c.router.ShardOf(orig.ToAccount)]
	rev := &domain.Transfer{
		ID:          ReversalID(orig.ID, req.Attempt),
		FromAccount: orig.ToAccount,
		ToAccount:   orig.FromAccount,
		Amount:      orig.Amount,
		Currency:    orig.Currency,
		Status:      domain.TransferPending,
		ReversalOf:  orig.ID,
		CreatedAt:   c.now(),
	}
	stored, _, err := revLedger.CreateTransfer(ctx, rev)
	if err != nil {
		return nil, fmt.Errorf("create reversal: %w", err)
	}
	if !stored.Status.Terminal() {
		stored, err = c.drive(ctx, stored)
		if err != nil {
			return stored, err
		}
	}

	if stored.Status == domain.TransferCompleted {
		if err := origLedger.MarkReversed(context.WithoutCancel(ctx), orig.ID, stored.ID); err != nil {
			return stored, fmt.Errorf("mark %s reversed: %w", orig.ID, err)
		}
		c.logger.Info("transfer reversed",
			slog.String("transfer_id", orig.ID), slog.String("reversal_id", stored.ID))
	}
	return stored, nil
}
