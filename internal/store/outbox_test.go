package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/punchamoorthee/shardledger/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enqueue(t *testing.T, s *Shard, id string, at time.Time) {
	t.Helper()
	tr := &domain.Transfer{ID: id, FromAccount: "a", ToAccount: "b", Amount: 1, Currency: "USD", CreatedAt: at}
	_, _, err := s.CreateTransfer(context.Background(), tr)
	require.NoError(t, err)
	require.NoError(t, s.CompleteTransfer(context.Background(), id, completedEvent(t, tr, at)))
}

func TestClaimPending_OrdersByCreation(t *testing.T) {
	s := createTestShard(t)
	base := time.Now().UTC().Add(-time.Minute)
	enqueue(t, s, "t2", base.Add(2*time.Second))
	enqueue(t, s, "t1", base.Add(time.Second))
	enqueue(t, s, "t3", base.Add(3*time.Second))

	events, err := s.ClaimPending(context.Background(), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "t1", events[0].AggregateID)
	assert.Equal(t, "t2", events[1].AggregateID)
	assert.Equal(t, "t3", events[2].AggregateID)
}

func TestClaimPending_LeaseHidesClaimedEvents(t *testing.T) {
	s := createTestShard(t)
	enqueue(t, s, "t1", time.Now().UTC())
	ctx := context.Background()

	first, err := s.ClaimPending(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := s.ClaimPending(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, second)

	require.NoError(t, s.RecordPublishFailure(ctx, first[0].ID, errors.New("broker down")))
	retry, err := s.ClaimPending(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, retry, 1)
	assert.Equal(t, 1, retry[0].Attempts)
	assert.Equal(t, "broker down", retry[0].LastError)
}

func TestMarkProcessed(t *testing.T) {
	s := createTestShard(t)
	enqueue(t, s, "t1", time.Now().UTC())
	ctx := context.Background()

	events, err := s.ClaimPending(ctx, 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NoError(t, s.MarkProcessed(ctx, events[0].ID))

	time.Sleep(5 * time.Millisecond)
	events, err = s.ClaimPending(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, events)

	backlog, err := s.OutboxBacklog(ctx)
	require.NoError(t, err)
	assert.Zero(t, backlog)
}

func TestClaimPending_ExpiredLeaseIsReclaimed(t *testing.T) {
	s := createTestShard(t)
	enqueue(t, s, "t1", time.Now().UTC())
	ctx := context.Background()

	_, err := s.ClaimPending(ctx, 10, time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	events, err := s.ClaimPending(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
