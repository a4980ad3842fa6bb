package service

import (
	"context"
	"testing"

	"github.com/punchamoorthee/shardledger/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completedTransfer(t *testing.T, cl *testCluster, from, to string, amount int64) *domain.Transfer {
	t.Helper()
	tr, err := cl.coord.Transfer(context.Background(), TransferRequest{From: from, To: to, Amount: amount, Currency: "USD"})
	require.NoError(t, err)
	require.Equal(t, domain.TransferCompleted, tr.Status)
	return tr
}

func reversalOf(tr *domain.Transfer, attempt int) ReversalRequest {
	return ReversalRequest{
		OriginalID: tr.ID,
		From:       tr.FromAccount,
		To:         tr.ToAccount,
		Amount:     tr.Amount,
		Currency:   tr.Currency,
		Attempt:    attempt,
	}
}

func TestReverse_RestoresBalancesAndMarksOriginal(t *testing.T) {
	cl := newTestCluster(t, 2)
	ctx := context.Background()
	alice, bob := cl.owner(t, 0, "alice"), cl.owner(t, 1, "bob")
	cl.open(t, alice, 10000)
	cl.open(t, bob, 0)
	orig := completedTransfer(t, cl, alice, bob, 9000)

	rev, err := cl.coord.Reverse(ctx, reversalOf(orig, 1))
	require.NoError(t, err)
	assert.Equal(t, domain.TransferCompleted, rev.Status)
	assert.Equal(t, orig.ID, rev.ReversalOf)
	assert.Equal(t, bob, rev.FromAccount)
	assert.Equal(t, alice, rev.ToAccount)
	assert.Equal(t, ReversalID(orig.ID, 1), rev.ID)

	assert.Equal(t, int64(10000), cl.balance(t, alice))
	assert.Equal(t, int64(0), cl.balance(t, bob))

	stored, err := cl.coord.GetTransfer(ctx, orig.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferReversed, stored.Status)
	assert.Equal(t, rev.ID, stored.ReversedBy)

	events, err := cl.ledgerOf(bob).OutboxByAggregate(ctx, rev.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestReverse_Idempotent(t *testing.T) {
	cl := newTestCluster(t, 2)
	ctx := context.Background()
	alice, bob := cl.owner(t, 0, "alice"), cl.owner(t, 1, "bob")
	cl.open(t, alice, 500)
	cl.open(t, bob, 0)
	orig := completedTransfer(t, cl, alice, bob, 500)

	first, err := cl.coord.Reverse(ctx, reversalOf(orig, 1))
	require.NoError(t, err)
	again, err := cl.coord.Reverse(ctx, reversalOf(orig, 1))
	require.NoError(t, err)
	other, err := cl.coord.Reverse(ctx, reversalOf(orig, 2))
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.ID, other.ID, "a reversed original returns its existing reversal")
	assert.Equal(t, int64(500), cl.balance(t, alice))
	assert.Equal(t, int64(0), cl.balance(t, bob))
}

func TestReverse_SkipsFrozenCheck(t *testing.T) {
	cl := newTestCluster(t, 2)
	ctx := context.Background()
	alice, bob := cl.owner(t, 0, "alice"), cl.owner(t, 1, "bob")
	cl.open(t, alice, 500)
	cl.open(t, bob, 0)
	orig := completedTransfer(t, cl, alice, bob, 200)

	_, err := cl.fraud.SetStatus(ctx, bob, domain.StatusFrozen, "test", "fraud-engine", nil)
	require.NoError(t, err)

	rev, err := cl.coord.Reverse(ctx, reversalOf(orig, 1))
	require.NoError(t, err)
	assert.Equal(t, domain.TransferCompleted, rev.Status)
}

func TestReverse_DestinationSpentFunds(t *testing.T) {
	cl := newTestCluster(t, 2)
	ctx := context.Background()
	alice, bob := cl.owner(t, 0, "alice"), cl.owner(t, 1, "bob")
	carol := cl.owner(t, 0, "carol")
	cl.open(t, alice, 1000)
	cl.open(t, bob, 0)
	cl.open(t, carol, 0)
	orig := completedTransfer(t, cl, alice, bob, 1000)
	completedTransfer(t, cl, bob, carol, 900)

	rev, err := cl.coord.Reverse(ctx, reversalOf(orig, 1))
	require.NoError(t, err)
	assert.Equal(t, domain.TransferFailed, rev.Status)
	assert.Equal(t, domain.ReasonInsufficientFunds, rev.FailureReason)

	stored, err := cl.coord.GetTransfer(ctx, orig.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferCompleted, stored.Status)
}

func TestReverse_Rejections(t *testing.T) {
	cl := newTestCluster(t, 2)
	ctx := context.Background()
	alice, bob := cl.owner(t, 0, "alice"), cl.owner(t, 1, "bob")
	cl.open(t, alice, 500)
	cl.open(t, bob, 0)
	orig := completedTransfer(t, cl, alice, bob, 100)

	_, err := cl.coord.Reverse(ctx, reversalOf(orig, 0))
	assert.ErrorIs(t, err, domain.ErrInvalidTransfer)

	mismatched := reversalOf(orig, 1)
	mismatched.Amount = 99
	_, err = cl.coord.Reverse(ctx, mismatched)
	assert.ErrorIs(t, err, domain.ErrInvalidTransfer)

	missing := reversalOf(orig, 1)
	missing.OriginalID = "nope"
	_, err = cl.coord.Reverse(ctx, missing)
	assert.ErrorIs(t, err, domain.ErrTransferNotFound)

	rev, err := cl.coord.Reverse(ctx, reversalOf(orig, 1))
	require.NoError(t, err)
	_, err = cl.coord.Reverse(ctx, reversalOf(rev, 1))
	assert.ErrorIs(t, err, domain.ErrNotReversible)
}
