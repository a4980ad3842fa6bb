// Package api exposes the ledger and the fraud admin operations over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/shardledger/internal/domain"
	"github.com/punchamoorthee/shardledger/internal/fraud"
	"github.com/punchamoorthee/shardledger/internal/models"
	"github.com/punchamoorthee/shardledger/internal/service"
	"github.com/punchamoorthee/shardledger/internal/shard"
	"github.com/punchamoorthee/shardledger/internal/store"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// Ledger is the transfer API. *service.Coordinator implements it.
type Ledger interface {
	Transfer(ctx context.Context, req service.TransferRequest) (*domain.Transfer, error)
	GetTransfer(ctx context.Context, id string) (*domain.Transfer, error)
	Account(ctx context.Context, ownerID string) (*domain.Account, error)
	Router() *shard.Router
}

// AccountStore opens accounts and lists entries on one shard. *store.Shard
// implements it.
type AccountStore interface {
	CreateAccount(ctx context.Context, ownerID string, balance int64, currency string) (*domain.Account, error)
	Entries(ctx context.Context, ownerID string, limit int) ([]domain.LedgerEntry, error)
}

// FraudAdmin is the admin surface. *fraud.Engine implements it.
type FraudAdmin interface {
	Approve(ctx context.Context, transferID, actor, notes string) (*domain.ReviewQueueEntry, error)
	Reject(ctx context.Context, transferID, actor, notes string) (*domain.FraudAction, error)
	Unfreeze(ctx context.Context, ownerID, actor, reason string) (*domain.AccountStatus, error)
	RetryReversal(ctx context.Context, transferID, actor string) (*domain.FraudAction, error)
	AcknowledgeAlert(ctx context.Context, id, actor string) (*domain.FraudAlert, error)
	ListAlerts(ctx context.Context, filter store.AlertFilter) ([]*domain.FraudAlert, error)
	PendingReviews(ctx context.Context, limit int) ([]*domain.ReviewQueueEntry, error)
	AccountStatus(ctx context.Context, ownerID string) (*domain.AccountStatus, error)
	StatusHistory(ctx context.Context, ownerID string) ([]domain.StatusChange, error)
	Action(ctx context.Context, transferID string) (*domain.FraudAction, error)
}

var _ FraudAdmin = (*fraud.Engine)(nil)

// StatsFunc returns the aggregate analytics view.
type StatsFunc func(ctx context.Context) (*models.StatsResponse, error)

type Handler struct {
	ledger   Ledger
	accounts []AccountStore
	fraud    FraudAdmin
	stats    StatsFunc
	logger   *slog.Logger
}

// NewHandler wires one AccountStore per shard index.
func NewHandler(ledger Ledger, accounts []AccountStore, fraud FraudAdmin, stats StatsFunc, logger *slog.Logger) (*Handler, error) {
	if n := ledger.Router().Count(); len(accounts) != n {
		return nil, fmt.Errorf("router expects %d shards, got %d account stores", n, len(accounts))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{ledger: ledger, accounts: accounts, fraud: fraud, stats: stats, logger: logger}, nil
}

// Routes builds the router. Admin routes require a token verified by auth.
func (h *Handler) Routes(auth *Authenticator) *mux.Router {
	r := mux.NewRouter()
	r.Use(instrument)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/accounts", h.CreateAccountHandler).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{owner}", h.GetAccountHandler).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{owner}/entries", h.GetAccountEntriesHandler).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{owner}/status", h.GetAccountStatusHandler).Methods(http.MethodGet)
	v1.HandleFunc("/shards/{owner}", h.GetShardHandler).Methods(http.MethodGet)
	v1.HandleFunc("/transfers", h.CreateTransferHandler).Methods(http.MethodPost)
	v1.HandleFunc("/transfers/{id}", h.GetTransferHandler).Methods(http.MethodGet)
	v1.HandleFunc("/stats", h.StatsHandler).Methods(http.MethodGet)

	admin := v1.PathPrefix("/admin").Subrouter()
	admin.Use(auth.Middleware)
	admin.HandleFunc("/reviews", h.ListReviewsHandler).Methods(http.MethodGet)
	admin.HandleFunc("/reviews/{id}/approve", h.ApproveHandler).Methods(http.MethodPost)
	admin.HandleFunc("/reviews/{id}/reject", h.RejectHandler).Methods(http.MethodPost)
	admin.HandleFunc("/accounts/{owner}/unfreeze", h.UnfreezeHandler).Methods(http.MethodPost)
	admin.HandleFunc("/accounts/{owner}/history", h.StatusHistoryHandler).Methods(http.MethodGet)
	admin.HandleFunc("/alerts", h.ListAlertsHandler).Methods(http.MethodGet)
	admin.HandleFunc("/alerts/{id}/ack", h.AcknowledgeAlertHandler).Methods(http.MethodPost)
	admin.HandleFunc("/actions/{id}", h.GetActionHandler).Methods(http.MethodGet)
	admin.HandleFunc("/actions/{id}/retry", h.RetryReversalHandler).Methods(http.MethodPost)
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument records request counts and latency per route template.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, endpoint))
		defer timer.ObserveDuration()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

// decodeBody strictly decodes an optional JSON body into dst.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: malformed JSON body: %v", domain.ErrInvalidTransfer, err)
	}
	return nil
}

func queryLimit(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CreateAccountRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, err)
		return
	}
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	if req.OwnerID == "" || req.Currency == "" {
		respondWithError(w, fmt.Errorf("%w: owner_id and currency are required", domain.ErrInvalidTransfer))
		return
	}

	idx := h.ledger.Router().ShardOf(req.OwnerID)
	acc, err := h.accounts[idx].CreateAccount(r.Context(), req.OwnerID, req.InitialBalance, req.Currency)
	if err != nil {
		h.logFailure(r, err)
		respondWithError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/accounts/"+acc.OwnerID)
	respondWithJSON(w, http.StatusCreated, models.AccountResponse{Account: acc, Shard: idx, Status: domain.StatusActive})
}

func (h *Handler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	owner := mux.Vars(r)["owner"]
	acc, err := h.ledger.Account(r.Context(), owner)
	if err != nil {
		respondWithError(w, err)
		return
	}
	st, err := h.fraud.AccountStatus(r.Context(), owner)
	if err != nil {
		h.logFailure(r, err)
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.AccountResponse{
		Account: acc,
		Shard:   h.ledger.Router().ShardOf(owner),
		Status:  st.Status,
	})
}

func (h *Handler) GetAccountEntriesHandler(w http.ResponseWriter, r *http.Request) {
	owner := mux.Vars(r)["owner"]
	idx := h.ledger.Router().ShardOf(owner)
	entries, err := h.accounts[idx].Entries(r.Context(), owner, queryLimit(r, 100))
	if err != nil {
		respondWithError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	respondWithJSON(w, http.StatusOK, entries)
}

func (h *Handler) GetAccountStatusHandler(w http.ResponseWriter, r *http.Request) {
	st, err := h.fraud.AccountStatus(r.Context(), mux.Vars(r)["owner"])
	if err != nil {
		h.logFailure(r, err)
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, st)
}

func (h *Handler) GetShardHandler(w http.ResponseWriter, r *http.Request) {
	owner := mux.Vars(r)["owner"]
	router := h.ledger.Router()
	respondWithJSON(w, http.StatusOK, models.ShardResponse{
		OwnerID:    owner,
		Shard:      router.ShardOf(owner),
		ShardCount: router.Count(),
	})
}

func (h *Handler) CreateTransferHandler(w http.ResponseWriter, r *http.Request) {
	// 1. Decode
	var req models.TransferRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, err)
		return
	}

	// 2. Run the saga
	t, err := h.ledger.Transfer(r.Context(), service.TransferRequest{
		From:           req.From,
		To:             req.To,
		Amount:         req.Amount,
		Currency:       req.Currency,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil && t == nil {
		h.logFailure(r, err)
		respondWithError(w, err)
		return
	}

	// 3. Map the outcome
	resp := models.TransferResponse{TransferID: t.ID, Status: t.Status, FailureReason: t.FailureReason}
	w.Header().Set("Location", "/api/v1/transfers/"+t.ID)
	switch {
	case err != nil:
		// Left PENDING; the recovery sweep finishes it.
		h.logFailure(r, err)
		resp.Error = err.Error()
		respondWithJSON(w, http.StatusAccepted, resp)
	case t.Status == domain.TransferFailed:
		respondWithJSON(w, http.StatusUnprocessableEntity, resp)
	default:
		respondWithJSON(w, http.StatusCreated, resp)
	}
}

func (h *Handler) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	t, err := h.ledger.GetTransfer(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, t)
}

func (h *Handler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	st, err := h.stats(ctx)
	if err != nil {
		h.logFailure(r, err)
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, st)
}

func (h *Handler) logFailure(r *http.Request, err error) {
	if statusFor(err) < http.StatusInternalServerError {
		return
	}
	h.logger.Error("request failed", slog.String("method", r.Method),
		slog.String("path", r.URL.Path), slog.Any("error", err))
}
