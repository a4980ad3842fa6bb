package fraud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/punchamoorthee/shardledger/internal/broker"
	"github.com/punchamoorthee/shardledger/internal/domain"
	"github.com/punchamoorthee/shardledger/internal/service"
	"github.com/punchamoorthee/shardledger/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// EngineActor is recorded as the actor of automatic status changes.
const EngineActor = "fraud-engine"

// Reasons stored on reversal actions. They select the alert raised when the
// reversal finishes.
const (
	ReasonBlock          = "BLOCK"
	ReasonReviewRejected = "REVIEW_REJECTED"
)

// Store is the fraud state the engine reads and writes. *store.FraudStore
// implements it.
type Store interface {
	GetDecision(ctx context.Context, transferID string) (*domain.DecisionRecord, error)
	ApplyAllow(ctx context.Context, transferID string, alert *domain.FraudAlert) (bool, error)
	ApplyReview(ctx context.Context, entry *domain.ReviewQueueEntry, alert *domain.FraudAlert, ev *domain.OutboxEvent) (bool, error)

	OpenReversal(ctx context.Context, a *domain.FraudAction, receipt domain.Decision, freeze *store.Freeze) (*domain.FraudAction, error)
	GetAction(ctx context.Context, transferID string) (*domain.FraudAction, error)
	StalePendingActions(ctx context.Context, cutoff time.Time, limit int) ([]*domain.FraudAction, error)
	FinishAction(ctx context.Context, transferID string, attempt int, out store.ActionOutcome) (bool, error)
	RearmAction(ctx context.Context, transferID, actor string) (*domain.FraudAction, bool, error)

	GetAccountStatus(ctx context.Context, ownerID string) (*domain.AccountStatus, error)
	SetStatus(ctx context.Context, ownerID string, status domain.Status, reason, actor string, alert *domain.FraudAlert) (bool, error)
	StatusHistory(ctx context.Context, ownerID string) ([]domain.StatusChange, error)

	GetReview(ctx context.Context, transferID string) (*domain.ReviewQueueEntry, error)
	ResolveReview(ctx context.Context, transferID string, decision domain.ReviewDecision, actor, notes string, alert *domain.FraudAlert) (*domain.ReviewQueueEntry, bool, error)
	PendingReviews(ctx context.Context, limit int) ([]*domain.ReviewQueueEntry, error)

	ListAlerts(ctx context.Context, filter store.AlertFilter) ([]*domain.FraudAlert, error)
	AcknowledgeAlert(ctx context.Context, id, actor string) (*domain.FraudAlert, error)
}

// Reverser sends a completed transfer back. *service.Coordinator implements
// it.
type Reverser interface {
	Reverse(ctx context.Context, req service.ReversalRequest) (*domain.Transfer, error)
}

// EngineOptions tunes the resume sweep.
type EngineOptions struct {
	// StaleAfter is how long a reversal may stay PENDING before the sweep
	// drives it again.
	StaleAfter time.Duration
	// Batch caps the actions resumed per sweep.
	Batch int
}

// Engine applies fraud decisions and admin review outcomes.
type Engine struct {
	store    Store
	reverser Reverser
	opts     EngineOptions
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewEngine creates an engine.
func NewEngine(st Store, reverser Reverser, opts EngineOptions, logger *slog.Logger) *Engine {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 30 * time.Second
	}
	if opts.Batch <= 0 {
		opts.Batch = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    st,
		reverser: reverser,
		opts:     opts,
		logger:   logger,
		tracer:   otel.Tracer("github.com/punchamoorthee/shardledger/internal/fraud"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Handle applies one FraudDecision delivery. Redeliveries of a decision that
// was already applied are ignored.
func (e *Engine) Handle(ctx context.Context, msg broker.Message) error {
	env, err := domain.DecodeEnvelope(msg.Body)
	if err != nil {
		return e.drop(msg, "invalid_envelope", err)
	}
	var d domain.FraudDecision
	if err := env.Decode(&d); err != nil {
		return e.drop(msg, "invalid_payload", err)
	}

	ctx, span := e.tracer.Start(ctx, "Engine.Handle")
	defer span.End()
	span.SetAttributes(attribute.String("transfer.id", d.TransferID), attribute.String("fraud.decision", string(d.Decision)))

	if err := e.apply(ctx, d); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (e *Engine) apply(ctx context.Context, d domain.FraudDecision) error {
	rec, err := e.store.GetDecision(ctx, d.TransferID)
	if err != nil {
		return fmt.Errorf("load decision for %s: %w", d.TransferID, err)
	}
	if rec.Decision != d.Decision {
		return fmt.Errorf("%w: event says %s, stored decision is %s", domain.ErrUnknownEvent, d.Decision, rec.Decision)
	}

	switch d.Decision {
	case domain.DecisionAllow:
		return e.allow(ctx, rec)
	case domain.DecisionReview:
		return e.review(ctx, rec)
	case domain.DecisionBlock:
		return e.block(ctx, rec)
	}
	return fmt.Errorf("%w: decision %q", domain.ErrUnknownEvent, d.Decision)
}

func (e *Engine) allow(ctx context.Context, rec *domain.DecisionRecord) error {
	applied, err := e.store.ApplyAllow(ctx, rec.TransferID, &domain.FraudAlert{
		Type:       domain.AlertPaymentAllowed,
		TransferID: rec.TransferID,
		OwnerID:    rec.FromOwner,
		Message:    fmt.Sprintf("Transfer of %s allowed (score %.4f)", formatAmount(rec.Amount, rec.Currency), rec.Score),
		Severity:   domain.SeverityLow,
	})
	if err != nil {
		return err
	}
	e.count(applied, domain.ActionMonitor, domain.ActionCompleted)
	return nil
}

func (e *Engine) review(ctx context.Context, rec *domain.DecisionRecord) error {
	entry := &domain.ReviewQueueEntry{
		TransferID: rec.TransferID,
		OwnerID:    rec.FromOwner,
		ToOwner:    rec.ToOwner,
		Amount:     rec.Amount,
		Currency:   rec.Currency,
		Score:      rec.Score,
		Reason:     fmt.Sprintf("risk score %.4f requires review", rec.Score),
		CreatedAt:  e.now(),
	}
	alert := &domain.FraudAlert{
		Type:       domain.AlertReviewRequired,
		TransferID: rec.TransferID,
		OwnerID:    rec.FromOwner,
		Message:    fmt.Sprintf("Transfer of %s queued for review (score %.4f)", formatAmount(rec.Amount, rec.Currency), rec.Score),
		Severity:   domain.SeverityMedium,
	}
	ev, err := e.actionEvent(rec.TransferID, domain.ActionQueueReview, domain.ActionCompleted,
		"FraudActionTaken:"+rec.TransferID+":"+domain.ActionQueueReview)
	if err != nil {
		return err
	}

	applied, err := e.store.ApplyReview(ctx, entry, alert, ev)
	if err != nil {
		return err
	}
	e.count(applied, domain.ActionQueueReview, domain.ActionCompleted)
	return nil
}

func (e *Engine) block(ctx context.Context, rec *domain.DecisionRecord) error {
	a, err := e.store.OpenReversal(ctx, &domain.FraudAction{
		TransferID: rec.TransferID,
		ActionType: domain.ActionReverse,
		Reason:     ReasonBlock,
		Score:      rec.Score,
		OwnerID:    rec.FromOwner,
		ToOwner:    rec.ToOwner,
		Amount:     rec.Amount,
		Currency:   rec.Currency,
	}, domain.DecisionBlock, &store.Freeze{
		Reason: fmt.Sprintf("high risk transfer %s (score %.4f)", rec.TransferID, rec.Score),
		Actor:  EngineActor,
	})
	if err != nil {
		return err
	}
	if a.Status != domain.ActionPending {
		duplicatesTotal.WithLabelValues("action").Inc()
		return nil
	}
	return e.executeReversal(ctx, a)
}

// executeReversal asks the coordinator to reverse the transfer and records
// the outcome. Errors that leave the reversal in flight are returned and the
// action stays PENDING for the resume sweep.
func (e *Engine) executeReversal(ctx context.Context, a *domain.FraudAction) error {
	log := e.logger.With(slog.String("transfer_id", a.TransferID), slog.Int("attempt", a.Attempts))

	rev, err := e.reverser.Reverse(ctx, service.ReversalRequest{
		OriginalID: a.TransferID,
		From:       a.OwnerID,
		To:         a.ToOwner,
		Amount:     a.Amount,
		Currency:   a.Currency,
		Attempt:    a.Attempts,
	})

	var (
		status     domain.ActionStatus
		notes      string
		reversalID string
	)
	switch {
	case err == nil && rev.Status == domain.TransferCompleted:
		status, reversalID = domain.ActionCompleted, rev.ID
	case err == nil && rev.Status == domain.TransferFailed:
		status, reversalID, notes = domain.ActionFailed, rev.ID, rev.FailureReason
	case errors.Is(err, domain.ErrNotReversible), errors.Is(err, domain.ErrTransferNotFound), errors.Is(err, domain.ErrInvalidTransfer):
		status, notes = domain.ActionFailed, err.Error()
	case err != nil:
		log.Warn("reversal still in flight", slog.Any("error", err))
		return fmt.Errorf("%w: %v", domain.ErrReversalFailed, err)
	default:
		log.Warn("reversal still in flight", slog.String("status", string(rev.Status)))
		return fmt.Errorf("%w: reversal %s is %s", domain.ErrReversalFailed, rev.ID, rev.Status)
	}

	ev, err := e.actionEvent(a.TransferID, domain.ActionReverse, status,
		"FraudActionTaken:"+a.TransferID+":"+domain.ActionReverse+":"+strconv.Itoa(a.Attempts))
	if err != nil {
		return err
	}
	finished, err := e.store.FinishAction(ctx, a.TransferID, a.Attempts, store.ActionOutcome{
		Status:     status,
		ReversalID: reversalID,
		Notes:      notes,
		Alert:      reversalAlert(a, status, notes),
		Event:      ev,
	})
	if err != nil {
		return err
	}
	e.count(finished, domain.ActionReverse, status)
	if finished {
		if status == domain.ActionFailed {
			log.Error("reversal failed, manual intervention required", slog.String("notes", notes))
		} else {
			log.Info("transfer reversed", slog.String("reversal_id", reversalID), slog.String("reason", a.Reason))
		}
	}
	return nil
}

func reversalAlert(a *domain.FraudAction, status domain.ActionStatus, notes string) *domain.FraudAlert {
	amount := formatAmount(a.Amount, a.Currency)
	alert := &domain.FraudAlert{TransferID: a.TransferID, OwnerID: a.OwnerID}
	switch {
	case status == domain.ActionFailed:
		alert.Type = domain.AlertReversalFailed
		alert.Severity = domain.SeverityCritical
		alert.Message = fmt.Sprintf("Reversal of %s from %s failed on attempt %d: %s. Manual intervention required",
			amount, a.ToOwner, a.Attempts, notes)
	case a.Reason == ReasonReviewRejected:
		alert.Type = domain.AlertPaymentRejected
		alert.Severity = domain.SeverityMedium
		alert.Message = fmt.Sprintf("Rejected transfer of %s returned from %s", amount, a.ToOwner)
	default:
		alert.Type = domain.AlertHighRiskReversed
		alert.Severity = domain.SeverityCritical
		alert.Message = fmt.Sprintf("High risk transfer of %s (score %.4f) reversed; %s frozen", amount, a.Score, a.OwnerID)
	}
	return alert
}

func (e *Engine) actionEvent(transferID, actionType string, status domain.ActionStatus, dedupeKey string) (*domain.OutboxEvent, error) {
	env, err := domain.NewEnvelope(transferID, domain.FraudActionTaken{
		TransferID: transferID,
		ActionType: actionType,
		Status:     status,
	}, e.now())
	if err != nil {
		return nil, err
	}
	return env.OutboxEvent(dedupeKey)
}

func (e *Engine) count(applied bool, action string, status domain.ActionStatus) {
	if !applied {
		duplicatesTotal.WithLabelValues("action").Inc()
		return
	}
	actionsTotal.WithLabelValues(action, string(status)).Inc()
}

func (e *Engine) drop(msg broker.Message, reason string, err error) error {
	droppedTotal.WithLabelValues("action", reason).Inc()
	e.logger.Error("dropping message", slog.String("message_id", msg.ID),
		slog.String("reason", reason), slog.Any("error", err))
	return nil
}

// Resume drives reversal actions left PENDING by a crash or an unreachable
// shard. It returns how many actions reached a terminal status.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.Resume")
	defer span.End()

	stale, err := e.store.StalePendingActions(ctx, e.now().Add(-e.opts.StaleAfter), e.opts.Batch)
	if err != nil {
		return 0, err
	}
	var (
		done int
		errs []error
	)
	for _, a := range stale {
		if err := e.executeReversal(ctx, a); err != nil {
			errs = append(errs, err)
			continue
		}
		done++
	}
	span.SetAttributes(attribute.Int("resume.scanned", len(stale)), attribute.Int("resume.finished", done))
	return done, errors.Join(errs...)
}

// RunResume sweeps every interval until ctx is cancelled.
func (e *Engine) RunResume(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("reversal resume sweeper started", slog.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("reversal resume sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := e.Resume(ctx); err != nil {
				e.logger.Warn("resume sweep incomplete", slog.Any("error", err))
			}
		}
	}
}
