package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/punchamoorthee/shardledger/internal/broker"
	"github.com/punchamoorthee/shardledger/internal/domain"
	"github.com/punchamoorthee/shardledger/internal/fraud"
	"github.com/punchamoorthee/shardledger/internal/service"
	"github.com/punchamoorthee/shardledger/internal/shard"
	"github.com/punchamoorthee/shardledger/internal/store"
	"github.com/stretchr/testify/require"
)

const (
	testSecret   = "test-secret"
	testIssuer   = "shardledger"
	testAudience = "shardledger-admin"
)

type testServer struct {
	router   *mux.Router
	auth     *Authenticator
	shards   []*store.Shard
	fraud    *store.FraudStore
	coord    *service.Coordinator
	consumer *fraud.DecisionConsumer
	engine   *fraud.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	router, err := shard.NewRouter(2)
	require.NoError(t, err)

	dir := t.TempDir()
	ts := &testServer{}
	var (
		ledgers  []service.Ledger
		accounts []AccountStore
		statsers []service.ShardStatser
	)
	for i := 0; i < 2; i++ {
		s, err := store.OpenShard(i, filepath.Join(dir, fmt.Sprintf("shard%d.db", i)))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		ts.shards = append(ts.shards, s)
		ledgers = append(ledgers, s)
		accounts = append(accounts, s)
		statsers = append(statsers, s)
	}
	ts.fraud, err = store.OpenFraud(filepath.Join(dir, "fraud.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ts.fraud.Close() })

	ts.coord, err = service.NewCoordinator(router, ledgers, ts.fraud, service.Options{
		LegTimeout:           time.Second,
		MaxLegAttempts:       3,
		RetryInitialInterval: time.Millisecond,
	}, logger)
	require.NoError(t, err)

	scorer, err := fraud.NewScorer(100000, 0.8, 0.5)
	require.NoError(t, err)
	ts.consumer = fraud.NewDecisionConsumer(ts.fraud, scorer, logger)
	ts.engine = fraud.NewEngine(ts.fraud, ts.coord, fraud.EngineOptions{}, logger)

	stats := func(ctx context.Context) (*service.Stats, error) {
		return service.CollectStats(ctx, statsers, ts.fraud)
	}
	h, err := NewHandler(ts.coord, accounts, ts.engine, stats, logger)
	require.NoError(t, err)
	ts.auth = NewAuthenticator(testSecret, testIssuer, testAudience)
	ts.router = h.Routes(ts.auth)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) admin(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	token, err := ts.auth.Issue("ops@example.com", time.Minute)
	require.NoError(t, err)
	return ts.do(t, method, path, body, http.Header{"Authorization": {"Bearer " + token}})
}

func (ts *testServer) openAccount(t *testing.T, owner string, balance int64) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/v1/accounts", map[string]any{
		"owner_id": owner, "initial_balance": balance, "currency": "USD",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

// settle runs a transfer through fraud scoring and the action engine.
func (ts *testServer) settle(t *testing.T, transferID string) {
	t.Helper()
	ctx := context.Background()
	tr, err := ts.coord.GetTransfer(ctx, transferID)
	require.NoError(t, err)

	src := ts.shards[ts.coord.Router().ShardOf(tr.FromAccount)]
	require.NoError(t, ts.consumer.Handle(ctx, outboxMessage(t, src, transferID, domain.EventTransferCompleted)))
	require.NoError(t, ts.engine.Handle(ctx, outboxMessage(t, ts.fraud, transferID, domain.EventFraudDecision)))
}

func outboxMessage(t *testing.T, src interface {
	OutboxByAggregate(ctx context.Context, aggregateID string) ([]*domain.OutboxEvent, error)
}, aggregateID string, typ domain.EventType) broker.Message {
	t.Helper()
	events, err := src.OutboxByAggregate(context.Background(), aggregateID)
	require.NoError(t, err)
	for _, ev := range events {
		if ev.EventType == typ {
			return broker.Message{ID: ev.ID, Type: string(typ), Body: ev.Payload}
		}
	}
	t.Fatalf("no %s event for %s", typ, aggregateID)
	return broker.Message{}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}
