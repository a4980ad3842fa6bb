package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/punchamoorthee/shardledger/internal/domain"
	"github.com/stretchr/testify/require"
)

func createTestShard(t *testing.T) *Shard {
	t.Helper()
	s, err := OpenShard(0, filepath.Join(t.TempDir(), "shard0.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestFraud(t *testing.T) *FraudStore {
	t.Helper()
	f, err := OpenFraud(filepath.Join(t.TempDir(), "fraud.db"))
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func completedEvent(t *testing.T, tr *domain.Transfer, at time.Time) *domain.OutboxEvent {
	t.Helper()
	env, err := domain.NewEnvelope(tr.ID, domain.TransferCompletedEvent{
		TransferID: tr.ID,
		From:       tr.FromAccount,
		To:         tr.ToAccount,
		Amount:     tr.Amount,
		Currency:   tr.Currency,
	}, at)
	require.NoError(t, err)
	ev, err := env.OutboxEvent("")
	require.NoError(t, err)
	return ev
}
