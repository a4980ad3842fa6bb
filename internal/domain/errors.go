package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrConflict            = errors.New("version conflict")
	ErrShardUnavailable    = errors.New("shard unavailable")
	ErrDuplicateEvent      = errors.New("duplicate event")
	ErrReversalFailed      = errors.New("reversal failed")
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountExists       = errors.New("account already exists")
	ErrAccountFrozen       = errors.New("account is not active")
	ErrInvalidTransfer     = errors.New("invalid transfer")
	ErrCurrencyMismatch    = errors.New("account holds a different currency")
	ErrIdempotencyMismatch = errors.New("key reuse with mismatched payload")
	ErrTransferNotFound    = errors.New("transfer not found")
	ErrNotReversible       = errors.New("transfer is not reversible")
	ErrReviewNotFound      = errors.New("review entry not found")
	ErrReviewConflict      = errors.New("review already resolved differently")
	ErrActionNotFound      = errors.New("fraud action not found")
	ErrAlertNotFound       = errors.New("alert not found")
	ErrUnauthenticated     = errors.New("authenticated actor required")
	ErrUnknownEvent        = errors.New("unknown event")
)

// LegError carries the saga context of a failed leg so callers can decide
// between retrying, compensating and failing the transfer.
type LegError struct {
	TransferID string
	Leg        Leg
	Shard      int
	Err        error
}

func (e *LegError) Error() string {
	return fmt.Sprintf("transfer %s: %s leg on shard %d: %v", e.TransferID, e.Leg, e.Shard, e.Err)
}

func (e *LegError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure may succeed on a fresh attempt of the
// same leg. Legs are idempotent on (transfer_id, leg), so retrying after a
// timeout cannot apply the leg twice.
func (e *LegError) Retryable() bool {
	return errors.Is(e.Err, ErrConflict) || errors.Is(e.Err, ErrShardUnavailable)
}

// Rejected reports whether the shard refused the leg for a business reason.
func (e *LegError) Rejected() bool {
	return errors.Is(e.Err, ErrInsufficientFunds) || errors.Is(e.Err, ErrAccountNotFound) ||
		errors.Is(e.Err, ErrCurrencyMismatch)
}

// FailureReason maps a leg failure onto the reason recorded on the transfer.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return ReasonInsufficientFunds
	case errors.Is(err, ErrAccountNotFound):
		return ReasonAccountNotFound
	case errors.Is(err, ErrCurrencyMismatch):
		return ReasonCurrencyMismatch
	default:
		return ReasonShardUnavailable
	}
}
