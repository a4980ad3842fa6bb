// Package service orchestrates transfers across ledger shards.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/punchamoorthee/shardledger/internal/domain"
	"github.com/punchamoorthee/shardledger/internal/shard"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Namespaces for deterministic transfer ids.
var (
	idempotencyNamespace = uuid.MustParse("6f1c2a4e-8a55-4c7e-9d0b-3f5a1e2b7c10")
	reversalNamespace    = uuid.MustParse("b3e9d7a2-1c64-4f08-a5d3-92c4e6f0b81d")
)

// Ledger is the shard-local API the coordinator drives. *store.Shard
// implements it.
type Ledger interface {
	Debit(ctx context.Context, ownerID string, amount int64, currency, transferID string, leg domain.Leg) (bool, error)
	Credit(ctx context.Context, ownerID string, amount int64, currency, transferID string, leg domain.Leg) (bool, error)
	ExecuteLocal(ctx context.Context, t *domain.Transfer, ev *domain.OutboxEvent) error
	HasLeg(ctx context.Context, transferID string, leg domain.Leg) (bool, error)

	CreateTransfer(ctx context.Context, t *domain.Transfer) (*domain.Transfer, bool, error)
	GetTransfer(ctx context.Context, id string) (*domain.Transfer, error)
	CompleteTransfer(ctx context.Context, id string, ev *domain.OutboxEvent) error
	FailTransfer(ctx context.Context, id, reason string) error
	MarkReversed(ctx context.Context, id, reversalID string) error
	StalePending(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Transfer, error)

	GetAccountByOwner(ctx context.Context, ownerID string) (*domain.Account, error)
	LegSums(ctx context.Context) (map[string]int64, error)
	TransferStatuses(ctx context.Context) (map[string]domain.TransferStatus, error)
	NegativeBalances(ctx context.Context) ([]*domain.Account, error)
}

// StatusReader reports the fraud-controlled status of an owner.
type StatusReader interface {
	GetAccountStatus(ctx context.Context, ownerID string) (*domain.AccountStatus, error)
}

// Options tunes the coordinator.
type Options struct {
	// LegTimeout bounds every single leg attempt.
	LegTimeout time.Duration
	// PendingTimeout is how long a transfer may stay PENDING before the
	// recovery sweep re-drives it.
	PendingTimeout time.Duration
	// MaxLegAttempts bounds retries of conflicting or unreachable legs.
	MaxLegAttempts int
	// RetryInitialInterval is the first backoff delay between leg attempts.
	RetryInitialInterval time.Duration
	// RecoveryBatch caps the transfers re-driven per shard per sweep.
	RecoveryBatch int
}

func (o *Options) applyDefaults() {
	if o.LegTimeout <= 0 {
		o.LegTimeout = 2 * time.Second
	}
	if o.PendingTimeout <= 0 {
		o.PendingTimeout = 30 * time.Second
	}
	if o.MaxLegAttempts <= 0 {
		o.MaxLegAttempts = 5
	}
	if o.RetryInitialInterval <= 0 {
		o.RetryInitialInterval = 20 * time.Millisecond
	}
	if o.RecoveryBatch <= 0 {
		o.RecoveryBatch = 100
	}
}

// Coordinator runs transfers as sagas over the shard ledgers.
type Coordinator struct {
	router   *shard.Router
	shards   []Ledger
	statuses StatusReader
	opts     Options
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewCoordinator wires one Ledger per shard index. statuses may be nil, in
// which case every owner may send.
func NewCoordinator(router *shard.Router, shards []Ledger, statuses StatusReader, opts Options, logger *slog.Logger) (*Coordinator, error) {
	if len(shards) != router.Count() {
		return nil, fmt.Errorf("router expects %d shards, got %d", router.Count(), len(shards))
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts.applyDefaults()
	return &Coordinator{
		router:   router,
		shards:   shards,
		statuses: statuses,
		opts:     opts,
		logger:   logger,
		tracer:   otel.Tracer("github.com/punchamoorthee/shardledger/internal/service"),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// TransferRequest is a request to move Amount from one owner to another.
// A non-empty IdempotencyKey makes the request safe to resend. Keys are
// scoped to the sender: two senders may use the same key.
type TransferRequest struct {
	From           string
	To             string
	Amount         int64
	Currency       string
	IdempotencyKey string
}

func (r TransferRequest) validate() error {
	switch {
	case r.From == "" || r.To == "":
		return fmt.Errorf("%w: both owners are required", domain.ErrInvalidTransfer)
	case r.From == r.To:
		return fmt.Errorf("%w: cannot transfer to self", domain.ErrInvalidTransfer)
	case r.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive", domain.ErrInvalidTransfer)
	case r.Currency == "":
		return fmt.Errorf("%w: currency is required", domain.ErrInvalidTransfer)
	}
	return nil
}

// TransferID is the id of the transfer sent by from under idempotencyKey.
func TransferID(from, idempotencyKey string) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(from+"\x00"+idempotencyKey)).String()
}

func sameRequest(t *domain.Transfer, r TransferRequest) bool {
	return t.FromAccount == r.From && t.ToAccount == r.To && t.Amount == r.Amount && t.Currency == r.Currency
}

// Transfer moves money between two owners and returns the transfer in its
// final state. A FAILED transfer is returned with a nil error; the error is
// reserved for requests that were rejected outright or left PENDING.
func (c *Coordinator) Transfer(ctx context.Context, req TransferRequest) (*domain.Transfer, error) {
	ctx, span := c.tracer.Start(ctx, "Coordinator.Transfer")
	defer span.End()

	t, err := c.transfer(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if t != nil {
		span.SetAttributes(attribute.String("transfer.id", t.ID), attribute.String("transfer.status", string(t.Status)))
	}
	return t, err
}

func (c *Coordinator) transfer(ctx context.Context, req TransferRequest) (*domain.Transfer, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	fromIdx := c.router.ShardOf(req.From)
	from := c.shards[fromIdx]

	// 1. Idempotency check
	id := uuid.NewString()
	if req.IdempotencyKey != "" {
		id = TransferID(req.From, req.IdempotencyKey)
		stored, err := from.GetTransfer(ctx, id)
		switch {
		case err == nil:
			if !sameRequest(stored, req) {
				return nil, domain.ErrIdempotencyMismatch
			}
			return stored, nil
		case !errors.Is(err, domain.ErrTransferNotFound):
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
	}

	// 2. Sender checks
	if c.statuses != nil {
		st, err := c.statuses.GetAccountStatus(ctx, req.From)
		if err != nil {
			return nil, fmt.Errorf("sender status: %w", err)
		}
		if !st.CanSend() {
			return nil, fmt.Errorf("%w: %s is %s", domain.ErrAccountFrozen, req.From, st.Status)
		}
	}
	acc, err := from.GetAccountByOwner(ctx, req.From)
	if err != nil {
		return nil, err
	}
	if acc.Currency != req.Currency {
		return nil, fmt.Errorf("%w: sender holds %s, not %s", domain.ErrInvalidTransfer, acc.Currency, req.Currency)
	}

	// 3. Record the intent
	t := &domain.Transfer{
		ID:          id,
		FromAccount: req.From,
		ToAccount:   req.To,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Status:      domain.TransferPending,
		CreatedAt:   c.now(),
	}
	stored, created, err := from.CreateTransfer(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("create transfer: %w", err)
	}
	if !created {
		if !sameRequest(stored, req) {
			return nil, domain.ErrIdempotencyMismatch
		}
		if stored.Status.Terminal() {
			return stored, nil
		}
	}

	// 4. Drive the saga
	return c.drive(ctx, stored)
}

// drive runs the legs of a PENDING transfer. Once the debit is attempted the
// caller's cancellation no longer applies: compensation must be able to run.
func (c *Coordinator) drive(ctx context.Context, t *domain.Transfer) (*domain.Transfer, error) {
	ctx = context.WithoutCancel(ctx)
	fromIdx := c.router.ShardOf(t.FromAccount)
	toIdx := c.router.ShardOf(t.ToAccount)
	from := c.shards[fromIdx]

	ev, err := completedEvent(t, c.now())
	if err != nil {
		return t, err
	}

	if c.router.SameShard(t.FromAccount, t.ToAccount) {
		return c.driveLocal(ctx, fromIdx, t, ev)
	}

	// Debit the source
	if err := c.runLeg(ctx, fromIdx, t, domain.LegDebit); err != nil {
		var legErr *domain.LegError
		if errors.As(err, &legErr) && !legErr.Rejected() {
			// The debit may still be in flight; only a confirmed absence fails it.
			if debited, hasErr := from.HasLeg(ctx, t.ID, domain.LegDebit); hasErr != nil || debited {
				c.logger.Warn("debit outcome unknown, leaving transfer pending",
					slog.String("transfer_id", t.ID), slog.Any("error", err))
				transfersTotal.WithLabelValues(pathCross, string(domain.TransferPending)).Inc()
				return t, err
			}
		}
		return c.fail(ctx, from, pathCross, t, domain.FailureReason(err))
	}

	// Credit the destination
	creditErr := c.runLeg(ctx, toIdx, t, domain.LegCredit)
	if creditErr != nil && !isRejected(creditErr) {
		// The last attempt may have committed without an answer. Compensate
		// only when the destination confirms the credit is absent or cannot
		// be asked at all.
		credited, hasErr := c.shards[toIdx].HasLeg(ctx, t.ID, domain.LegCredit)
		if hasErr == nil && credited {
			c.logger.Info("credit committed despite error",
				slog.String("transfer_id", t.ID), slog.Int("to_shard", toIdx), slog.Any("error", creditErr))
			creditErr = nil
		}
	}
	if creditErr == nil {
		if err := from.CompleteTransfer(ctx, t.ID, ev); err != nil {
			c.logger.Error("complete transfer failed, recovery will finish it",
				slog.String("transfer_id", t.ID), slog.Any("error", err))
			transfersTotal.WithLabelValues(pathCross, string(domain.TransferPending)).Inc()
			return t, err
		}
		transfersTotal.WithLabelValues(pathCross, string(domain.TransferCompleted)).Inc()
		return from.GetTransfer(ctx, t.ID)
	}

	// Compensate the source
	c.logger.Warn("credit failed, compensating",
		slog.String("transfer_id", t.ID), slog.Int("to_shard", toIdx), slog.Any("error", creditErr))
	if err := c.compensate(ctx, fromIdx, t); err != nil {
		transfersTotal.WithLabelValues(pathCross, string(domain.TransferPending)).Inc()
		return t, errors.Join(creditErr, err)
	}
	return c.fail(ctx, from, pathCross, t, domain.FailureReason(creditErr))
}

func (c *Coordinator) driveLocal(ctx context.Context, idx int, t *domain.Transfer, ev *domain.OutboxEvent) (*domain.Transfer, error) {
	ledger := c.shards[idx]
	err := c.retry(ctx, func(legCtx context.Context) error {
		return ledger.ExecuteLocal(legCtx, t, ev)
	})
	if err != nil {
		reason := domain.FailureReason(err)
		if reason == domain.ReasonShardUnavailable {
			c.logger.Warn("local transfer failed", slog.String("transfer_id", t.ID), slog.Int("shard", idx), slog.Any("error", err))
		}
		return c.fail(ctx, ledger, pathLocal, t, reason)
	}
	transfersTotal.WithLabelValues(pathLocal, string(domain.TransferCompleted)).Inc()
	return ledger.GetTransfer(ctx, t.ID)
}

func (c *Coordinator) compensate(ctx context.Context, fromIdx int, t *domain.Transfer) error {
	err := c.runLeg(ctx, fromIdx, t, domain.LegCompensate)
	if err != nil {
		compensationsTotal.WithLabelValues("failed").Inc()
		c.logger.Error("compensation failed, transfer stays pending",
			slog.String("transfer_id", t.ID), slog.Any("error", err))
		return err
	}
	compensationsTotal.WithLabelValues("applied").Inc()
	return nil
}

func (c *Coordinator) fail(ctx context.Context, ledger Ledger, path string, t *domain.Transfer, reason string) (*domain.Transfer, error) {
	if err := ledger.FailTransfer(ctx, t.ID, reason); err != nil {
		transfersTotal.WithLabelValues(path, string(domain.TransferPending)).Inc()
		return t, fmt.Errorf("mark transfer failed: %w", err)
	}
	transfersTotal.WithLabelValues(path, string(domain.TransferFailed)).Inc()
	return ledger.GetTransfer(ctx, t.ID)
}

// runLeg applies one leg of t with a bounded deadline per attempt, retrying
// conflicts and unreachable shards with exponential backoff. The credit leg
// goes to the destination owner; debit and compensation to the source.
func (c *Coordinator) runLeg(ctx context.Context, idx int, t *domain.Transfer, leg domain.Leg) error {
	timer := legDuration.WithLabelValues(string(leg))
	start := time.Now()
	defer func() { timer.Observe(time.Since(start).Seconds()) }()

	ledger := c.shards[idx]
	err := c.retry(ctx, func(legCtx context.Context) error {
		var err error
		switch leg {
		case domain.LegDebit:
			_, err = ledger.Debit(legCtx, t.FromAccount, t.Amount, t.Currency, t.ID, leg)
		case domain.LegCredit:
			_, err = ledger.Credit(legCtx, t.ToAccount, t.Amount, t.Currency, t.ID, leg)
		default:
			_, err = ledger.Credit(legCtx, t.FromAccount, t.Amount, t.Currency, t.ID, leg)
		}
		if err != nil {
			legRetriesTotal.WithLabelValues(string(leg), retryCause(err)).Inc()
		}
		return err
	})
	if err != nil {
		return &domain.LegError{TransferID: t.ID, Leg: leg, Shard: idx, Err: err}
	}
	return nil
}

func isRejected(err error) bool {
	var legErr *domain.LegError
	return errors.As(err, &legErr) && legErr.Rejected()
}

// retry runs op under LegTimeout per attempt. Business rejections stop the
// retries; anything else that is not a conflict is reported as
// domain.ErrShardUnavailable.
func (c *Coordinator) retry(ctx context.Context, op func(legCtx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.RetryInitialInterval
	b.MaxInterval = 20 * c.opts.RetryInitialInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		legCtx, cancel := context.WithTimeout(ctx, c.opts.LegTimeout)
		defer cancel()

		err := op(legCtx)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, domain.ErrInsufficientFunds), errors.Is(err, domain.ErrAccountNotFound),
			errors.Is(err, domain.ErrCurrencyMismatch), errors.Is(err, domain.ErrInvalidTransfer):
			return struct{}{}, backoff.Permanent(err)
		case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrShardUnavailable):
			return struct{}{}, err
		}
		return struct{}{}, fmt.Errorf("%w: %v", domain.ErrShardUnavailable, err)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(c.opts.MaxLegAttempts)))
	return err
}

func completedEvent(t *domain.Transfer, at time.Time) (*domain.OutboxEvent, error) {
	env, err := domain.NewEnvelope(t.ID, domain.TransferCompletedEvent{
		TransferID: t.ID,
		From:       t.FromAccount,
		To:         t.ToAccount,
		Amount:     t.Amount,
		Currency:   t.Currency,
		ReversalOf: t.ReversalOf,
	}, at)
	if err != nil {
		return nil, err
	}
	return env.OutboxEvent("")
}

// GetTransfer looks the transfer up on every shard.
func (c *Coordinator) GetTransfer(ctx context.Context, id string) (*domain.Transfer, error) {
	var firstErr error
	for i, ledger := range c.shards {
		t, err := ledger.GetTransfer(ctx, id)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, domain.ErrTransferNotFound) && firstErr == nil {
			firstErr = fmt.Errorf("shard %d: %w", i, err)
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrTransferNotFound, id)
}

// Account returns the account of ownerID from the shard that owns it.
func (c *Coordinator) Account(ctx context.Context, ownerID string) (*domain.Account, error) {
	return c.shards[c.router.ShardOf(ownerID)].GetAccountByOwner(ctx, ownerID)
}

// Router exposes the shard mapping.
func (c *Coordinator) Router() *shard.Router {
	return c.router
}
