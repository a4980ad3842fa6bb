package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/punchamoorthee/shardledger/internal/domain"
)

// Imbalance is a terminal transfer whose entries do not sum to zero.
type Imbalance struct {
	TransferID string                `json:"transfer_id"`
	Status     domain.TransferStatus `json:"status"`
	Sum        int64                 `json:"sum"`
}

// ReconcileReport is the result of a cross-shard consistency check.
type ReconcileReport struct {
	Transfers        int               `json:"transfers"`
	Pending          int               `json:"pending"`
	Imbalances       []Imbalance       `json:"imbalances"`
	NegativeBalances []*domain.Account `json:"negative_balances"`
}

// OK reports whether the ledger is consistent.
func (r *ReconcileReport) OK() bool {
	return len(r.Imbalances) == 0 && len(r.NegativeBalances) == 0
}

// Reconcile checks that every terminal transfer's entries across all shards
// sum to zero and that no account is negative. PENDING transfers are counted
// but not judged. Entries whose transfer record cannot be found are reported
// as imbalances with an empty status.
func (c *Coordinator) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	ctx, span := c.tracer.Start(ctx, "Coordinator.Reconcile")
	defer span.End()

	statuses := make(map[string]domain.TransferStatus)
	sums := make(map[string]int64)
	report := &ReconcileReport{}

	for idx, ledger := range c.shards {
		st, err := ledger.TransferStatuses(ctx)
		if err != nil {
			return nil, fmt.Errorf("shard %d statuses: %w", idx, err)
		}
		for id, s := range st {
			statuses[id] = s
		}

		legSums, err := ledger.LegSums(ctx)
		if err != nil {
			return nil, fmt.Errorf("shard %d leg sums: %w", idx, err)
		}
		for id, sum := range legSums {
			sums[id] += sum
		}

		negative, err := ledger.NegativeBalances(ctx)
		if err != nil {
			return nil, fmt.Errorf("shard %d balances: %w", idx, err)
		}
		report.NegativeBalances = append(report.NegativeBalances, negative...)
	}

	report.Transfers = len(statuses)
	for id, status := range statuses {
		if !status.Terminal() {
			report.Pending++
			continue
		}
		if sums[id] != 0 {
			report.Imbalances = append(report.Imbalances, Imbalance{TransferID: id, Status: status, Sum: sums[id]})
		}
	}
	for id, sum := range sums {
		if _, known := statuses[id]; !known && sum != 0 {
			report.Imbalances = append(report.Imbalances, Imbalance{TransferID: id, Sum: sum})
		}
	}
	sort.Slice(report.Imbalances, func(i, j int) bool {
		return report.Imbalances[i].TransferID < report.Imbalances[j].TransferID
	})
	return report, nil
}
