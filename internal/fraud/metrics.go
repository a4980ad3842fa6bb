package fraud

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fraud_decisions_total",
		Help: "Fraud decisions recorded, by decision",
	}, []string{"decision"})

	actionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fraud_actions_total",
		Help: "Fraud actions finished, by action type and status",
	}, []string{"action", "status"})

	duplicatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fraud_duplicate_deliveries_total",
		Help: "Deliveries ignored because they were already processed",
	}, []string{"consumer"})

	droppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fraud_dropped_messages_total",
		Help: "Messages rejected without processing",
	}, []string{"consumer", "reason"})
)
