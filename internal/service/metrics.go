package service

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/shardledger/internal/domain"
)

const (
	pathLocal = "local"
	pathCross = "cross"
)

var (
	transfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_transfers_total",
		Help: "Transfers driven by the coordinator, by path and resulting status",
	}, []string{"path", "status"})

	compensationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_compensations_total",
		Help: "Compensating credits issued after a failed destination leg",
	}, []string{"outcome"})

	legDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_leg_duration_seconds",
		Help:    "Latency of a single saga leg including retries",
		Buckets: prometheus.DefBuckets,
	}, []string{"leg"})

	legRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_leg_failed_attempts_total",
		Help: "Failed leg attempts by leg and cause",
	}, []string{"leg", "cause"})

	recoveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_recovered_transfers_total",
		Help: "Stale PENDING transfers handled by the recovery sweep",
	}, []string{"outcome"})

	reversalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_reversals_total",
		Help: "Reversal transfers by resulting status",
	}, []string{"status"})
)

func retryCause(err error) string {
	switch {
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	case errors.Is(err, domain.ErrShardUnavailable):
		return "unavailable"
	}
	return "other"
}
