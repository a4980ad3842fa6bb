package fraud

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/punchamoorthee/shardledger/internal/domain"
	"github.com/punchamoorthee/shardledger/internal/store"
)

func requireActor(actor string) error {
	if strings.TrimSpace(actor) == "" {
		return domain.ErrUnauthenticated
	}
	return nil
}

// Approve clears a transfer under review. Approving an approved entry is a
// no-op; approving a rejected one is domain.ErrReviewConflict.
func (e *Engine) Approve(ctx context.Context, transferID, actor, notes string) (*domain.ReviewQueueEntry, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	ctx, span := e.tracer.Start(ctx, "Engine.Approve")
	defer span.End()

	current, err := e.store.GetReview(ctx, transferID)
	if err != nil {
		return nil, err
	}
	entry, changed, err := e.store.ResolveReview(ctx, transferID, domain.ReviewApproved, actor, notes, &domain.FraudAlert{
		Type:       domain.AlertPaymentApproved,
		TransferID: transferID,
		OwnerID:    current.OwnerID,
		Message:    fmt.Sprintf("Transfer of %s approved by %s", formatAmount(current.Amount, current.Currency), actor),
		Severity:   domain.SeverityLow,
	})
	if err != nil {
		return nil, err
	}
	if changed {
		e.logger.Info("review approved", slog.String("transfer_id", transferID), slog.String("actor", actor))
	}
	return entry, nil
}

// Reject refuses a transfer under review and reverses it the same way a
// BLOCK decision does, without freezing the sender. Calling it again resumes
// an unfinished reversal and otherwise does nothing.
func (e *Engine) Reject(ctx context.Context, transferID, actor, notes string) (*domain.FraudAction, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	ctx, span := e.tracer.Start(ctx, "Engine.Reject")
	defer span.End()

	entry, changed, err := e.store.ResolveReview(ctx, transferID, domain.ReviewRejected, actor, notes, nil)
	if err != nil {
		return nil, err
	}
	if changed {
		e.logger.Info("review rejected", slog.String("transfer_id", transferID), slog.String("actor", actor))
	}

	a, err := e.store.OpenReversal(ctx, &domain.FraudAction{
		TransferID: entry.TransferID,
		ActionType: domain.ActionReverse,
		Reason:     ReasonReviewRejected,
		Score:      entry.Score,
		OwnerID:    entry.OwnerID,
		ToOwner:    entry.ToOwner,
		Amount:     entry.Amount,
		Currency:   entry.Currency,
		Notes:      "rejected by " + actor,
	}, "", nil)
	if err != nil {
		return nil, err
	}
	if a.Status == domain.ActionPending {
		if err := e.executeReversal(ctx, a); err != nil {
			return a, err
		}
	}
	return e.store.GetAction(ctx, transferID)
}

// Unfreeze returns an owner to ACTIVE. Unfreezing an active owner is a no-op.
func (e *Engine) Unfreeze(ctx context.Context, ownerID, actor, reason string) (*domain.AccountStatus, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "unfrozen by " + actor
	}
	changed, err := e.store.SetStatus(ctx, ownerID, domain.StatusActive, reason, actor, &domain.FraudAlert{
		Type:     domain.AlertAccountUnfrozen,
		OwnerID:  ownerID,
		Message:  fmt.Sprintf("Account %s unfrozen by %s: %s", ownerID, actor, reason),
		Severity: domain.SeverityLow,
	})
	if err != nil {
		return nil, err
	}
	if changed {
		e.logger.Info("account unfrozen", slog.String("owner_id", ownerID), slog.String("actor", actor))
	}
	return e.store.GetAccountStatus(ctx, ownerID)
}

// RetryReversal starts the next attempt of a FAILED reversal. Actions in any
// other status are returned as they are.
func (e *Engine) RetryReversal(ctx context.Context, transferID, actor string) (*domain.FraudAction, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	a, rearmed, err := e.store.RearmAction(ctx, transferID, actor)
	if err != nil {
		return nil, err
	}
	if !rearmed {
		return a, nil
	}
	e.logger.Info("reversal retry requested", slog.String("transfer_id", transferID),
		slog.String("actor", actor), slog.Int("attempt", a.Attempts))
	if err := e.executeReversal(ctx, a); err != nil {
		return a, err
	}
	return e.store.GetAction(ctx, transferID)
}

// AcknowledgeAlert marks an alert as seen.
func (e *Engine) AcknowledgeAlert(ctx context.Context, id, actor string) (*domain.FraudAlert, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	return e.store.AcknowledgeAlert(ctx, id, actor)
}

func (e *Engine) ListAlerts(ctx context.Context, filter store.AlertFilter) ([]*domain.FraudAlert, error) {
	return e.store.ListAlerts(ctx, filter)
}

func (e *Engine) PendingReviews(ctx context.Context, limit int) ([]*domain.ReviewQueueEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return e.store.PendingReviews(ctx, limit)
}

func (e *Engine) Review(ctx context.Context, transferID string) (*domain.ReviewQueueEntry, error) {
	return e.store.GetReview(ctx, transferID)
}

func (e *Engine) AccountStatus(ctx context.Context, ownerID string) (*domain.AccountStatus, error) {
	return e.store.GetAccountStatus(ctx, ownerID)
}

func (e *Engine) StatusHistory(ctx context.Context, ownerID string) ([]domain.StatusChange, error) {
	return e.store.StatusHistory(ctx, ownerID)
}

func (e *Engine) Action(ctx context.Context, transferID string) (*domain.FraudAction, error) {
	return e.store.GetAction(ctx, transferID)
}
