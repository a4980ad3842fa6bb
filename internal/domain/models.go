package domain

import (
	"time"
)

// TransferStatus is the lifecycle state of a Transfer.
type TransferStatus string

const (
	TransferPending   TransferStatus = "PENDING"
	TransferCompleted TransferStatus = "COMPLETED"
	TransferFailed    TransferStatus = "FAILED"
	TransferReversed  TransferStatus = "REVERSED"
)

// Terminal reports whether no further leg will be applied for the transfer.
func (s TransferStatus) Terminal() bool {
	return s == TransferCompleted || s == TransferFailed || s == TransferReversed
}

// Direction is the accounting side of a ledger entry.
type Direction string

const (
	Debit  Direction = "DEBIT"
	Credit Direction = "CREDIT"
)

// Leg identifies one step of a transfer. At most one entry exists per
// (transfer_id, leg), which is what makes legs safe to retry.
type Leg string

const (
	LegDebit      Leg = "DEBIT"
	LegCredit     Leg = "CREDIT"
	LegCompensate Leg = "COMPENSATE"
)

// Direction returns the accounting side the leg writes.
func (l Leg) Direction() Direction {
	if l == LegDebit {
		return Debit
	}
	return Credit
}

// Failure reasons recorded on FAILED transfers.
const (
	ReasonInsufficientFunds = "insufficient_funds"
	ReasonAccountNotFound   = "account_not_found"
	ReasonCurrencyMismatch  = "currency_mismatch"
	ReasonShardUnavailable  = "shard_unavailable"
	ReasonRecoveredTimeout  = "recovered_timeout"
)

// Account represents a user's balance on the shard that owns it.
type Account struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Balance   int64     `json:"balance"`
	Currency  string    `json:"currency"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transfer represents the intent to move money between two owners.
// FromAccount and ToAccount hold owner identifiers, which route to shards.
type Transfer struct {
	ID            string         `json:"id"`
	FromAccount   string         `json:"from_account"`
	ToAccount     string         `json:"to_account"`
	Amount        int64          `json:"amount"`
	Currency      string         `json:"currency"`
	Status        TransferStatus `json:"status"`
	FailureReason string         `json:"failure_reason,omitempty"`
	ReversalOf    string         `json:"reversal_of,omitempty"`
	ReversedBy    string         `json:"reversed_by,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// LedgerEntry represents one leg of a double-entry transaction.
// The sum of Amounts for a given TransferID, across all shards, is zero once
// the transfer is terminal.
type LedgerEntry struct {
	ID         string    `json:"id"`
	TransferID string    `json:"transfer_id"`
	AccountID  string    `json:"account_id"`
	Amount     int64     `json:"amount"`
	Direction  Direction `json:"direction"`
	Leg        Leg       `json:"leg"`
	CreatedAt  time.Time `json:"created_at"`
}

// OutboxEvent is an event row committed together with the state change it
// describes and relayed to the broker afterwards. DedupeKey is unique per
// outbox table, so re-running a state change never enqueues a second copy.
type OutboxEvent struct {
	ID          string     `json:"id"`
	DedupeKey   string     `json:"dedupe_key"`
	AggregateID string     `json:"aggregate_id"`
	EventType   EventType  `json:"event_type"`
	Payload     []byte     `json:"payload"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
}

// Decision is the outcome of fraud scoring.
type Decision string

const (
	DecisionAllow  Decision = "ALLOW"
	DecisionReview Decision = "REVIEW"
	DecisionBlock  Decision = "BLOCK"
)

// FraudDecision is the published verdict for one transfer.
type FraudDecision struct {
	TransferID string   `json:"transfer_id"`
	Score      float64  `json:"score"`
	Decision   Decision `json:"decision"`
}

// DecisionRecord is a FraudDecision plus the transfer snapshot the action
// engine needs to act on it.
type DecisionRecord struct {
	FraudDecision
	FromOwner string    `json:"from_owner"`
	ToOwner   string    `json:"to_owner"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	DecidedAt time.Time `json:"decided_at"`
}

// Status is the fraud-controlled state of an owner.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusFrozen    Status = "FROZEN"
	StatusSuspended Status = "SUSPENDED"
)

// AccountStatus is the fraud-controlled state of an owner. Owners without a
// stored status are ACTIVE.
type AccountStatus struct {
	OwnerID   string     `json:"owner_id"`
	Status    Status     `json:"status"`
	Reason    string     `json:"reason,omitempty"`
	FrozenAt  *time.Time `json:"frozen_at,omitempty"`
	FrozenBy  string     `json:"frozen_by,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// CanSend reports whether the owner may originate transfers.
func (s AccountStatus) CanSend() bool {
	return s.Status == "" || s.Status == StatusActive
}

// StatusChange is one row of the account status audit trail.
type StatusChange struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	Actor      string    `json:"actor"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ReviewDecision is the terminal outcome of a manual review.
type ReviewDecision string

const (
	ReviewApproved ReviewDecision = "APPROVED"
	ReviewRejected ReviewDecision = "REJECTED"
)

// ReviewQueueEntry is a transfer awaiting, or resolved by, manual review.
type ReviewQueueEntry struct {
	TransferID     string         `json:"transfer_id"`
	OwnerID        string         `json:"owner_id"`
	ToOwner        string         `json:"to_owner"`
	Amount         int64          `json:"amount"`
	Currency       string         `json:"currency"`
	Score          float64        `json:"score"`
	Reason         string         `json:"reason"`
	CreatedAt      time.Time      `json:"created_at"`
	ReviewedAt     *time.Time     `json:"reviewed_at,omitempty"`
	ReviewedBy     string         `json:"reviewed_by,omitempty"`
	ReviewDecision ReviewDecision `json:"review_decision,omitempty"`
	ReviewNotes    string         `json:"review_notes,omitempty"`
}

// Reviewed reports whether the entry reached a terminal decision.
func (e ReviewQueueEntry) Reviewed() bool {
	return e.ReviewDecision != ""
}

// Severity ranks fraud alerts.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// Alert types.
const (
	AlertHighRiskReversed = "HIGH_RISK_REVERSED"
	AlertReversalFailed   = "REVERSAL_FAILED"
	AlertReviewRequired   = "REVIEW_REQUIRED"
	AlertPaymentAllowed   = "PAYMENT_ALLOWED"
	AlertPaymentApproved  = "PAYMENT_APPROVED"
	AlertPaymentRejected  = "PAYMENT_REJECTED"
	AlertAccountUnfrozen  = "ACCOUNT_UNFROZEN"
)

// FraudAlert is an append-only audit record for operators.
type FraudAlert struct {
	ID             string     `json:"id"`
	Type           string     `json:"type"`
	TransferID     string     `json:"transfer_id,omitempty"`
	OwnerID        string     `json:"owner_id,omitempty"`
	Message        string     `json:"message"`
	Severity       Severity   `json:"severity"`
	CreatedAt      time.Time  `json:"created_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
}

// ActionStatus is the state of a fraud action audit row.
type ActionStatus string

const (
	ActionPending   ActionStatus = "PENDING"
	ActionCompleted ActionStatus = "COMPLETED"
	ActionFailed    ActionStatus = "FAILED"
)

// Action types carried by FraudActionTaken events.
const (
	ActionReverse     = "REVERSE"
	ActionQueueReview = "QUEUE_REVIEW"
	ActionMonitor     = "MONITOR"
)

// FraudAction is the audit row for a balance-affecting fraud action.
// Attempts is the monotonic reversal attempt counter; each attempt maps to
// its own reversal transfer id.
type FraudAction struct {
	TransferID string       `json:"transfer_id"`
	ActionType string       `json:"action_type"`
	Reason     string       `json:"reason"`
	Score      float64      `json:"score"`
	OwnerID    string       `json:"owner_id"`
	ToOwner    string       `json:"to_owner"`
	Amount     int64        `json:"amount"`
	Currency   string       `json:"currency"`
	Status     ActionStatus `json:"status"`
	Attempts   int          `json:"attempts"`
	ReversalID string       `json:"reversal_id,omitempty"`
	Notes      string       `json:"notes,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}
