package fraud_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/shardledger/internal/broker"
	"github.com/punchamoorthee/shardledger/internal/domain"
	"github.com/punchamoorthee/shardledger/internal/fraud"
	"github.com/punchamoorthee/shardledger/internal/service"
	"github.com/punchamoorthee/shardledger/internal/shard"
	"github.com/punchamoorthee/shardledger/internal/store"
	"github.com/stretchr/testify/require"
)

// Scores are amount/100000, so 90000 scores 0.9.
const scoreCeiling = 100000

// stubReverser fails with err while it is set and otherwise delegates.
type stubReverser struct {
	next fraud.Reverser

	mu  sync.Mutex
	err error
}

func (s *stubReverser) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *stubReverser) Reverse(ctx context.Context, req service.ReversalRequest) (*domain.Transfer, error) {
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.next.Reverse(ctx, req)
}

type harness struct {
	router   *shard.Router
	shards   []*store.Shard
	fraud    *store.FraudStore
	coord    *service.Coordinator
	reverser *stubReverser
	consumer *fraud.DecisionConsumer
	engine   *fraud.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	router, err := shard.NewRouter(2)
	require.NoError(t, err)
	dir := t.TempDir()

	h := &harness{router: router}
	ledgers := make([]service.Ledger, 0, 2)
	for i := 0; i < 2; i++ {
		s, err := store.OpenShard(i, filepath.Join(dir, fmt.Sprintf("shard%d.db", i)))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		h.shards = append(h.shards, s)
		ledgers = append(ledgers, s)
	}
	h.fraud, err = store.OpenFraud(filepath.Join(dir, "fraud.db"))
	require.NoError(t, err)
	t.Cleanup(func() { h.fraud.Close() })

	h.coord, err = service.NewCoordinator(router, ledgers, h.fraud, service.Options{
		LegTimeout:           time.Second,
		MaxLegAttempts:       3,
		RetryInitialInterval: time.Millisecond,
	}, logger)
	require.NoError(t, err)

	scorer, err := fraud.NewScorer(scoreCeiling, 0.8, 0.5)
	require.NoError(t, err)
	h.reverser = &stubReverser{next: h.coord}
	h.consumer = fraud.NewDecisionConsumer(h.fraud, scorer, logger)
	h.engine = fraud.NewEngine(h.fraud, h.reverser, fraud.EngineOptions{StaleAfter: time.Millisecond}, logger)
	return h
}

// owner returns an owner id routed to shard idx.
func (h *harness) owner(t *testing.T, idx int, prefix string) string {
	t.Helper()
	for i := 0; i < 10000; i++ {
		id := fmt.Sprintf("%s-%d", prefix, i)
		if h.router.ShardOf(id) == idx {
			return id
		}
	}
	t.Fatalf("no owner found for shard %d", idx)
	return ""
}

func (h *harness) open(t *testing.T, owner string, balance int64) {
	t.Helper()
	_, err := h.shards[h.router.ShardOf(owner)].CreateAccount(context.Background(), owner, balance, "USD")
	require.NoError(t, err)
}

func (h *harness) balance(t *testing.T, owner string) int64 {
	t.Helper()
	acc, err := h.coord.Account(context.Background(), owner)
	require.NoError(t, err)
	return acc.Balance
}

func (h *harness) transfer(t *testing.T, from, to string, amount int64) *domain.Transfer {
	t.Helper()
	tr, err := h.coord.Transfer(context.Background(), service.TransferRequest{From: from, To: to, Amount: amount, Currency: "USD"})
	require.NoError(t, err)
	require.Equal(t, domain.TransferCompleted, tr.Status)
	return tr
}

// message finds the outbox event of the given type for an aggregate and
// turns it into a broker delivery.
func message(t *testing.T, src interface {
	OutboxByAggregate(ctx context.Context, aggregateID string) ([]*domain.OutboxEvent, error)
}, aggregateID string, typ domain.EventType) broker.Message {
	t.Helper()
	events, err := src.OutboxByAggregate(context.Background(), aggregateID)
	require.NoError(t, err)
	for _, ev := range events {
		if ev.EventType == typ {
			topic, err := typ.Topic()
			require.NoError(t, err)
			return broker.Message{ID: ev.ID, Topic: topic, Key: aggregateID, Type: string(typ), Body: ev.Payload}
		}
	}
	t.Fatalf("no %s event for %s", typ, aggregateID)
	return broker.Message{}
}

// completed returns the TransferCompleted delivery of a transfer.
func (h *harness) completed(t *testing.T, tr *domain.Transfer) broker.Message {
	t.Helper()
	return message(t, h.shards[h.router.ShardOf(tr.FromAccount)], tr.ID, domain.EventTransferCompleted)
}

// score runs the transfer through the decision consumer and returns the
// FraudDecision delivery it produced.
func (h *harness) score(t *testing.T, tr *domain.Transfer) broker.Message {
	t.Helper()
	require.NoError(t, h.consumer.Handle(context.Background(), h.completed(t, tr)))
	return message(t, h.fraud, tr.ID, domain.EventFraudDecision)
}

func (h *harness) alerts(t *testing.T, transferID string) []*domain.FraudAlert {
	t.Helper()
	alerts, err := h.fraud.ListAlerts(context.Background(), store.AlertFilter{TransferID: transferID})
	require.NoError(t, err)
	return alerts
}

func countAlerts(alerts []*domain.FraudAlert, typ string) int {
	n := 0
	for _, a := range alerts {
		if a.Type == typ {
			n++
		}
	}
	return n
}
