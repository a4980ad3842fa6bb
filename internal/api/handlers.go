package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/punchamoorthee/shardledger/internal/domain"
	"github.com/punchamoorthee/shardledger/internal/models"
	"github.com/punchamoorthee/shardledger/internal/store"
)

func (h *Handler) ListReviewsHandler(w http.ResponseWriter, r *http.Request) {
	entries, err := h.fraud.PendingReviews(r.Context(), queryLimit(r, 100))
	if err != nil {
		h.logFailure(r, err)
		respondWithError(w, err)
		return
	}
	if entries == nil {
		entries = []*domain.ReviewQueueEntry{}
	}
	respondWithJSON(w, http.StatusOK, entries)
}

func (h *Handler) ApproveHandler(w http.ResponseWriter, r *http.Request) {
	var req models.ReviewRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, err)
		return
	}
	entry, err := h.fraud.Approve(r.Context(), mux.Vars(r)["id"], ActorFrom(r.Context()), req.Notes)
	if err != nil {
		h.logFailure(r, err)
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, entry)
}

func (h *Handler) RejectHandler(w http.ResponseWriter, r *http.Request) {
	var req models.ReviewRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, err)
		return
	}
	action, err := h.fraud.Reject(r.Context(), mux.Vars(r)["id"], ActorFrom(r.Context()), req.Notes)
	switch {
	case err != nil && errors.Is(err, domain.ErrReversalFailed) && action != nil:
		// The reversal is in flight; the resume sweep finishes it.
		respondWithJSON(w, http.StatusAccepted, action)
	case err != nil:
		h.logFailure(r, err)
		respondWithError(w, err)
	default:
		respondWithJSON(w, http.StatusOK, action)
	}
}

func (h *Handler) UnfreezeHandler(w http.ResponseWriter, r *http.Request) {
	var req models.UnfreezeRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, err)
		return
	}
	st, err := h.fraud.Unfreeze(r.Context(), mux.Vars(r)["owner"], ActorFrom(r.Context()), req.Reason)
	if err != nil {
		h.logFailure(r, err)
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, st)
}

func (h *Handler) StatusHistoryHandler(w http.ResponseWriter, r *http.Request) {
	history, err := h.fraud.StatusHistory(r.Context(), mux.Vars(r)["owner"])
	if err != nil {
		h.logFailure(r, err)
		respondWithError(w, err)
		return
	}
	if history == nil {
		history = []domain.StatusChange{}
	}
	respondWithJSON(w, http.StatusOK, history)
}

func (h *Handler) ListAlertsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	alerts, err := h.fraud.ListAlerts(r.Context(), store.AlertFilter{
		TransferID:     q.Get("transfer_id"),
		Severity:       domain.Severity(q.Get("severity")),
		Unacknowledged: q.Get("unacknowledged") == "true",
		Limit:          queryLimit(r, 100),
	})
	if err != nil {
		h.logFailure(r, err)
		respondWithError(w, err)
		return
	}
	if alerts == nil {
		alerts = []*domain.FraudAlert{}
	}
	respondWithJSON(w, http.StatusOK, alerts)
}

func (h *Handler) AcknowledgeAlertHandler(w http.ResponseWriter, r *http.Request) {
	alert, err := h.fraud.AcknowledgeAlert(r.Context(), mux.Vars(r)["id"], ActorFrom(r.Context()))
	if err != nil {
		h.logFailure(r, err)
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, alert)
}

func (h *Handler) GetActionHandler(w http.ResponseWriter, r *http.Request) {
	action, err := h.fraud.Action(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, action)
}

func (h *Handler) RetryReversalHandler(w http.ResponseWriter, r *http.Request) {
	action, err := h.fraud.RetryReversal(r.Context(), mux.Vars(r)["id"], ActorFrom(r.Context()))
	switch {
	case err != nil && errors.Is(err, domain.ErrReversalFailed) && action != nil:
		respondWithJSON(w, http.StatusAccepted, action)
	case err != nil:
		h.logFailure(r, err)
		respondWithError(w, err)
	default:
		respondWithJSON(w, http.StatusOK, action)
	}
}
