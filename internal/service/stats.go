package service

import (
	"context"
	"fmt"

	"github.com/punchamoorthee/shardledger/internal/domain"
	"github.com/punchamoorthee/shardledger/internal/store"
	"golang.org/x/sync/errgroup"
)

// ShardStatser is implemented by *store.Shard.
type ShardStatser interface {
	Stats(ctx context.Context) (*store.ShardStats, error)
}

// FraudStatser is implemented by *store.FraudStore.
type FraudStatser interface {
	Stats(ctx context.Context) (*store.FraudStats, error)
}

// Stats aggregates every shard and the fraud store.
type Stats struct {
	Shards        []*store.ShardStats             `json:"shards"`
	Accounts      int64                           `json:"accounts"`
	TotalBalance  int64                           `json:"total_balance"`
	Transfers     map[domain.TransferStatus]int64 `json:"transfers"`
	OutboxBacklog int64                           `json:"outbox_backlog"`
	Fraud         *store.FraudStats               `json:"fraud,omitempty"`
}

// CollectStats queries all shards concurrently. fraud may be nil.
func CollectStats(ctx context.Context, shards []ShardStatser, fraud FraudStatser) (*Stats, error) {
	out := &Stats{
		Shards:    make([]*store.ShardStats, len(shards)),
		Transfers: make(map[domain.TransferStatus]int64),
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, s := range shards {
		g.Go(func() error {
			st, err := s.Stats(gctx)
			if err != nil {
				return fmt.Errorf("shard %d stats: %w", i, err)
			}
			out.Shards[i] = st
			return nil
		})
	}
	if fraud != nil {
		g.Go(func() error {
			st, err := fraud.Stats(gctx)
			if err != nil {
				return fmt.Errorf("fraud stats: %w", err)
			}
			out.Fraud = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, st := range out.Shards {
		out.Accounts += st.Accounts
		out.TotalBalance += st.TotalBalance
		out.OutboxBacklog += st.OutboxBacklog
		for status, n := range st.Transfers {
			out.Transfers[status] += n
		}
	}
	if out.Fraud != nil {
		out.OutboxBacklog += out.Fraud.OutboxBacklog
	}
	return out, nil
}
