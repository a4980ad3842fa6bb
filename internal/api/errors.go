package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/punchamoorthee/shardledger/internal/domain"
	"github.com/punchamoorthee/shardledger/internal/models"
)

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrAccountFrozen):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrAccountNotFound),
		errors.Is(err, domain.ErrTransferNotFound),
		errors.Is(err, domain.ErrReviewNotFound),
		errors.Is(err, domain.ErrActionNotFound),
		errors.Is(err, domain.ErrAlertNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAccountExists),
		errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrReviewConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidTransfer),
		errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrCurrencyMismatch),
		errors.Is(err, domain.ErrIdempotencyMismatch),
		errors.Is(err, domain.ErrNotReversible):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrShardUnavailable),
		errors.Is(err, domain.ErrReversalFailed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func respondWithError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		msg = "Internal Server Error"
	}
	respondWithJSON(w, code, models.ErrorResponse{Error: msg})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
