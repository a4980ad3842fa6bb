package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/shardledger/internal/domain"
	"github.com/punchamoorthee/shardledger/internal/shard"
	"github.com/punchamoorthee/shardledger/internal/store"
	"github.com/stretchr/testify/require"
)

// flakyLedger wraps a real shard and can pretend to be unreachable, to lose
// a concurrent version race, or to drop the answer to a committed credit.
type flakyLedger struct {
	*store.Shard

	mu             sync.Mutex
	down           bool
	creditsDown    bool
	conflicts      int
	lostCreditAcks bool
	legCalls       int
}

// conflictNext makes the next n leg calls fail with domain.ErrConflict.
func (f *flakyLedger) conflictNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conflicts = n
}

func (f *flakyLedger) setLostCreditAcks(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lostCreditAcks = v
}

func (f *flakyLedger) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.legCalls
}

func (f *flakyLedger) conflict() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.legCalls++
	if f.conflicts > 0 {
		f.conflicts--
		return fmt.Errorf("%s: %w", f.Name(), domain.ErrConflict)
	}
	return nil
}

func (f *flakyLedger) ackLost() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lostCreditAcks
}

func (f *flakyLedger) setDown(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = v
}

func (f *flakyLedger) setCreditsDown(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creditsDown = v
}

func (f *flakyLedger) unavailable(credit bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down || (credit && f.creditsDown) {
		return fmt.Errorf("%s: %w", f.Name(), domain.ErrShardUnavailable)
	}
	return nil
}

func (f *flakyLedger) Debit(ctx context.Context, ownerID string, amount int64, currency, transferID string, leg domain.Leg) (bool, error) {
	if err := f.unavailable(false); err != nil {
		return false, err
	}
	if err := f.conflict(); err != nil {
		return false, err
	}
	return f.Shard.Debit(ctx, ownerID, amount, currency, transferID, leg)
}

func (f *flakyLedger) Credit(ctx context.Context, ownerID string, amount int64, currency, transferID string, leg domain.Leg) (bool, error) {
	if err := f.unavailable(true); err != nil {
		return false, err
	}
	if err := f.conflict(); err != nil {
		return false, err
	}
	applied, err := f.Shard.Credit(ctx, ownerID, amount, currency, transferID, leg)
	if err == nil && f.ackLost() {
		return false, fmt.Errorf("%s: %w", f.Name(), context.DeadlineExceeded)
	}
	return applied, err
}

func (f *flakyLedger) HasLeg(ctx context.Context, transferID string, leg domain.Leg) (bool, error) {
	if err := f.unavailable(false); err != nil {
		return false, err
	}
	return f.Shard.HasLeg(ctx, transferID, leg)
}

type testCluster struct {
	router *shard.Router
	shards []*flakyLedger
	fraud  *store.FraudStore
	coord  *Coordinator
}

func newTestCluster(t *testing.T, n int) *testCluster {
	t.Helper()
	router, err := shard.NewRouter(n)
	require.NoError(t, err)

	dir := t.TempDir()
	cl := &testCluster{router: router}
	ledgers := make([]Ledger, n)
	for i := 0; i < n; i++ {
		s, err := store.OpenShard(i, filepath.Join(dir, fmt.Sprintf("shard%d.db", i)))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		fl := &flakyLedger{Shard: s}
		cl.shards = append(cl.shards, fl)
		ledgers[i] = fl
	}

	cl.fraud, err = store.OpenFraud(filepath.Join(dir, "fraud.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cl.fraud.Close() })

	cl.coord, err = NewCoordinator(router, ledgers, cl.fraud, Options{
		LegTimeout:           time.Second,
		MaxLegAttempts:       3,
		RetryInitialInterval: time.Millisecond,
	}, nil)
	require.NoError(t, err)
	return cl
}

// owner returns a fresh owner id that routes to shard idx.
func (cl *testCluster) owner(t *testing.T, idx int, prefix string) string {
	t.Helper()
	for i := 0; i < 10000; i++ {
		id := fmt.Sprintf("%s-%d", prefix, i)
		if cl.router.ShardOf(id) == idx {
			return id
		}
	}
	t.Fatalf("no owner found for shard %d", idx)
	return ""
}

func (cl *testCluster) open(t *testing.T, owner string, balance int64) {
	t.Helper()
	_, err := cl.shards[cl.router.ShardOf(owner)].CreateAccount(context.Background(), owner, balance, "USD")
	require.NoError(t, err)
}

func (cl *testCluster) balance(t *testing.T, owner string) int64 {
	t.Helper()
	acc, err := cl.coord.Account(context.Background(), owner)
	require.NoError(t, err)
	return acc.Balance
}

func (cl *testCluster) ledgerOf(owner string) *flakyLedger {
	return cl.shards[cl.router.ShardOf(owner)]
}
