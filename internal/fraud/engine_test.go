package fraud_test

import (
	"context"
	"testing"
	"time"

	"github.com/punchamoorthee/shardledger/internal/domain"
	"github.com/punchamoorthee/shardledger/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_BlockReversesAndFreezes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, c := h.owner(t, 0, "alice"), h.owner(t, 1, "carol")
	h.open(t, a, 100000)
	h.open(t, c, 500)

	tr := h.transfer(t, a, c, 90000)
	decision := h.score(t, tr)

	require.NoError(t, h.engine.Handle(ctx, decision))
	// Redelivery changes nothing.
	require.NoError(t, h.engine.Handle(ctx, decision))

	assert.Equal(t, int64(100000), h.balance(t, a))
	assert.Equal(t, int64(500), h.balance(t, c))

	orig, err := h.coord.GetTransfer(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferReversed, orig.Status)

	st, err := h.engine.AccountStatus(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFrozen, st.Status)
	assert.Equal(t, "fraud-engine", st.FrozenBy)
	assert.NotNil(t, st.FrozenAt)

	action, err := h.engine.Action(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionCompleted, action.Status)
	assert.Equal(t, 1, action.Attempts)
	assert.Equal(t, orig.ReversedBy, action.ReversalID)

	alerts := h.alerts(t, tr.ID)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertHighRiskReversed, alerts[0].Type)
	assert.Equal(t, domain.SeverityCritical, alerts[0].Severity)

	events, err := h.fraud.OutboxByAggregate(ctx, tr.ID)
	require.NoError(t, err)
	var taken []domain.FraudActionTaken
	for _, ev := range events {
		if ev.EventType != domain.EventFraudActionTaken {
			continue
		}
		env, err := domain.DecodeEnvelope(ev.Payload)
		require.NoError(t, err)
		var p domain.FraudActionTaken
		require.NoError(t, env.Decode(&p))
		taken = append(taken, p)
	}
	require.Len(t, taken, 1)
	assert.Equal(t, domain.ActionReverse, taken[0].ActionType)
	assert.Equal(t, domain.ActionCompleted, taken[0].Status)

	// The frozen sender cannot originate new transfers.
	_, err = h.coord.Transfer(ctx, transferReq(a, c, 10))
	assert.ErrorIs(t, err, domain.ErrAccountFrozen)
}

func TestEngine_BlockReversalFailureThenRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, c := h.owner(t, 0, "alice"), h.owner(t, 1, "carol")
	d := h.owner(t, 0, "dave")
	h.open(t, a, 100000)
	h.open(t, c, 0)
	h.open(t, d, 0)

	tr := h.transfer(t, a, c, 90000)
	decision := h.score(t, tr)
	// The destination moves the money on before the engine acts.
	h.transfer(t, c, d, 90000)

	require.NoError(t, h.engine.Handle(ctx, decision))

	action, err := h.engine.Action(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionFailed, action.Status)
	assert.Equal(t, domain.ReasonInsufficientFunds, action.Notes)

	alerts := h.alerts(t, tr.ID)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertReversalFailed, alerts[0].Type)
	assert.Equal(t, domain.SeverityCritical, alerts[0].Severity)

	st, err := h.engine.AccountStatus(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFrozen, st.Status)
	assert.Equal(t, int64(10000), h.balance(t, a))

	// Funds come back to the destination; an operator retries.
	h.transfer(t, d, c, 90000)
	_, err = h.engine.RetryReversal(ctx, tr.ID, "")
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)

	action, err = h.engine.RetryReversal(ctx, tr.ID, "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionCompleted, action.Status)
	assert.Equal(t, 2, action.Attempts)
	assert.Equal(t, int64(100000), h.balance(t, a))
	assert.Zero(t, h.balance(t, c))

	alerts = h.alerts(t, tr.ID)
	assert.Equal(t, 1, countAlerts(alerts, domain.AlertReversalFailed))
	assert.Equal(t, 1, countAlerts(alerts, domain.AlertHighRiskReversed))

	// Completed actions are not retried again.
	again, err := h.engine.RetryReversal(ctx, tr.ID, "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, again.Attempts)
}

func TestEngine_ReversalInFlightIsResumed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, c := h.owner(t, 0, "alice"), h.owner(t, 1, "carol")
	h.open(t, a, 100000)
	h.open(t, c, 0)

	tr := h.transfer(t, a, c, 95000)
	decision := h.score(t, tr)

	h.reverser.setErr(domain.ErrShardUnavailable)
	err := h.engine.Handle(ctx, decision)
	require.ErrorIs(t, err, domain.ErrReversalFailed)

	action, err := h.engine.Action(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionPending, action.Status)
	assert.Empty(t, h.alerts(t, tr.ID))

	h.reverser.setErr(nil)
	time.Sleep(5 * time.Millisecond)
	done, err := h.engine.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, done)

	action, err = h.engine.Action(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionCompleted, action.Status)
	assert.Equal(t, int64(100000), h.balance(t, a))
	assert.Equal(t, 1, countAlerts(h.alerts(t, tr.ID), domain.AlertHighRiskReversed))

	done, err = h.engine.Resume(ctx)
	require.NoError(t, err)
	assert.Zero(t, done)
}

func TestEngine_ResumeKeepsAdminUnfreeze(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, c := h.owner(t, 0, "alice"), h.owner(t, 1, "carol")
	h.open(t, a, 100000)
	h.open(t, c, 0)

	tr := h.transfer(t, a, c, 95000)
	decision := h.score(t, tr)

	h.reverser.setErr(domain.ErrShardUnavailable)
	require.ErrorIs(t, h.engine.Handle(ctx, decision), domain.ErrReversalFailed)
	st, err := h.engine.AccountStatus(ctx, a)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFrozen, st.Status)

	_, err = h.engine.Unfreeze(ctx, a, "ops@example.com", "verified identity")
	require.NoError(t, err)

	// A redelivered decision and the resume sweep both find the open action.
	require.ErrorIs(t, h.engine.Handle(ctx, decision), domain.ErrReversalFailed)
	h.reverser.setErr(nil)
	time.Sleep(5 * time.Millisecond)
	done, err := h.engine.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, done)

	st, err = h.engine.AccountStatus(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, st.Status)
	history, err := h.engine.StatusHistory(ctx, a)
	require.NoError(t, err)
	assert.Len(t, history, 2)
	assert.Equal(t, int64(100000), h.balance(t, a))
}

func TestEngine_ReviewQueuesWithoutMovingMoney(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, c := h.owner(t, 0, "alice"), h.owner(t, 1, "carol")
	h.open(t, a, 100000)
	h.open(t, c, 0)

	tr := h.transfer(t, a, c, 60000)
	decision := h.score(t, tr)
	require.NoError(t, h.engine.Handle(ctx, decision))
	require.NoError(t, h.engine.Handle(ctx, decision))

	pending, err := h.engine.PendingReviews(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, tr.ID, pending[0].TransferID)
	assert.InDelta(t, 0.6, pending[0].Score, 1e-9)

	alerts := h.alerts(t, tr.ID)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertReviewRequired, alerts[0].Type)
	assert.Equal(t, domain.SeverityMedium, alerts[0].Severity)

	assert.Equal(t, int64(40000), h.balance(t, a))
	assert.Equal(t, int64(60000), h.balance(t, c))

	_, err = h.engine.Action(ctx, tr.ID)
	assert.ErrorIs(t, err, domain.ErrActionNotFound)
}

func TestEngine_AllowOnlyAlerts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, c := h.owner(t, 0, "alice"), h.owner(t, 0, "carol")
	h.open(t, a, 100000)
	h.open(t, c, 0)

	tr := h.transfer(t, a, c, 1000)
	decision := h.score(t, tr)
	require.NoError(t, h.engine.Handle(ctx, decision))
	require.NoError(t, h.engine.Handle(ctx, decision))

	alerts := h.alerts(t, tr.ID)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertPaymentAllowed, alerts[0].Type)
	assert.Equal(t, domain.SeverityLow, alerts[0].Severity)

	history, err := h.engine.StatusHistory(ctx, a)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Equal(t, int64(1000), h.balance(t, c))
}

func TestEngine_ListAlertsFilters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, c := h.owner(t, 0, "alice"), h.owner(t, 1, "carol")
	h.open(t, a, 200000)
	h.open(t, c, 0)

	small := h.transfer(t, a, c, 100)
	big := h.transfer(t, a, c, 90000)
	require.NoError(t, h.engine.Handle(ctx, h.score(t, small)))
	require.NoError(t, h.engine.Handle(ctx, h.score(t, big)))

	critical, err := h.engine.ListAlerts(ctx, store.AlertFilter{Severity: domain.SeverityCritical})
	require.NoError(t, err)
	require.Len(t, critical, 1)
	assert.Equal(t, big.ID, critical[0].TransferID)

	all, err := h.engine.ListAlerts(ctx, store.AlertFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
