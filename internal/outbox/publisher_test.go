package outbox_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/shardledger/internal/broker"
	"github.com/punchamoorthee/shardledger/internal/domain"
	"github.com/punchamoorthee/shardledger/internal/outbox"
	"github.com/punchamoorthee/shardledger/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSource struct {
	mu        sync.Mutex
	events    []*domain.OutboxEvent
	claimErr  error
	processed []string
	failures  map[string]int
}

func (m *mockSource) Name() string { return "mock" }

func (m *mockSource) ClaimPending(ctx context.Context, limit int, lease time.Duration) ([]*domain.OutboxEvent, error) {
	if m.claimErr != nil {
		return nil, m.claimErr
	}
	return m.events, nil
}

func (m *mockSource) MarkProcessed(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed = append(m.processed, id)
	return nil
}

func (m *mockSource) RecordPublishFailure(ctx context.Context, id string, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures == nil {
		m.failures = make(map[string]int)
	}
	m.failures[id]++
	return nil
}

type mockBroker struct {
	mu        sync.Mutex
	publishFn func(msg broker.Message) error
	published []broker.Message
}

func (m *mockBroker) Publish(ctx context.Context, msg broker.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishFn != nil {
		if err := m.publishFn(msg); err != nil {
			return err
		}
	}
	m.published = append(m.published, msg)
	return nil
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() outbox.Config {
	return outbox.Config{Interval: time.Millisecond, MaxAttempts: 3, RetryInterval: time.Millisecond}
}

func TestPublisher_PublishesAndMarksProcessed(t *testing.T) {
	src := &mockSource{events: []*domain.OutboxEvent{
		{ID: "e1", AggregateID: "t1", EventType: domain.EventTransferCompleted, Payload: []byte(`{}`)},
		{ID: "e2", AggregateID: "t2", EventType: domain.EventFraudDecision, Payload: []byte(`{}`)},
	}}
	b := &mockBroker{}

	n := outbox.NewPublisher([]outbox.Source{src}, b, testConfig(), newTestLogger()).RunOnce(context.Background())

	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"e1", "e2"}, src.processed)
	require.Len(t, b.published, 2)
	assert.Equal(t, domain.TopicTransferCompleted, b.published[0].Topic)
	assert.Equal(t, "t1", b.published[0].Key)
	assert.Equal(t, domain.TopicFraudDecision, b.published[1].Topic)
}

func TestPublisher_RetriesTransientErrors(t *testing.T) {
	src := &mockSource{events: []*domain.OutboxEvent{
		{ID: "e1", EventType: domain.EventTransferCompleted, Payload: []byte(`{}`)},
	}}
	calls := 0
	b := &mockBroker{publishFn: func(broker.Message) error {
		calls++
		if calls < 3 {
			return errors.New("broker busy")
		}
		return nil
	}}

	n := outbox.NewPublisher([]outbox.Source{src}, b, testConfig(), newTestLogger()).RunOnce(context.Background())

	assert.Equal(t, 1, n)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []string{"e1"}, src.processed)
}

func TestPublisher_NeverMarksAfterExhaustedRetries(t *testing.T) {
	src := &mockSource{events: []*domain.OutboxEvent{
		{ID: "fail-event", EventType: domain.EventTransferCompleted, Payload: []byte(`{}`)},
		{ID: "ok-event", EventType: domain.EventTransferCompleted, Payload: []byte(`{}`)},
	}}
	b := &mockBroker{publishFn: func(msg broker.Message) error {
		if msg.ID == "fail-event" {
			return errors.New("broker unavailable")
		}
		return nil
	}}

	outbox.NewPublisher([]outbox.Source{src}, b, testConfig(), newTestLogger()).RunOnce(context.Background())

	assert.Equal(t, []string{"ok-event"}, src.processed)
	assert.Equal(t, 1, src.failures["fail-event"])
}

func TestPublisher_UnknownEventTypeIsRecorded(t *testing.T) {
	src := &mockSource{events: []*domain.OutboxEvent{
		{ID: "e1", EventType: "Mystery", Payload: []byte(`{}`)},
	}}
	b := &mockBroker{}

	n := outbox.NewPublisher([]outbox.Source{src}, b, testConfig(), newTestLogger()).RunOnce(context.Background())

	assert.Zero(t, n)
	assert.Empty(t, b.published)
	assert.Equal(t, 1, src.failures["e1"])
}

func TestPublisher_SkipsSourceOnClaimError(t *testing.T) {
	bad := &mockSource{claimErr: errors.New("db error")}
	good := &mockSource{events: []*domain.OutboxEvent{
		{ID: "e1", EventType: domain.EventTransferCompleted, Payload: []byte(`{}`)},
	}}
	b := &mockBroker{}

	n := outbox.NewPublisher([]outbox.Source{bad, good}, b, testConfig(), newTestLogger()).RunOnce(context.Background())
	assert.Equal(t, 1, n)
	assert.Empty(t, bad.processed)
}

func TestPublisher_StopsOnContextCancel(t *testing.T) {
	p := outbox.NewPublisher(nil, &mockBroker{}, testConfig(), newTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("publisher did not stop after context cancellation")
	}
}

func TestPublisher_RelaysShardOutboxOnce(t *testing.T) {
	s, err := store.OpenShard(0, filepath.Join(t.TempDir(), "shard.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	tr := &domain.Transfer{ID: "t1", FromAccount: "a", ToAccount: "b", Amount: 5, Currency: "USD", CreatedAt: time.Now().UTC()}
	_, _, err = s.CreateTransfer(ctx, tr)
	require.NoError(t, err)
	env, err := domain.NewEnvelope(tr.ID, domain.TransferCompletedEvent{TransferID: tr.ID, From: "a", To: "b", Amount: 5, Currency: "USD"}, time.Now())
	require.NoError(t, err)
	ev, err := env.OutboxEvent("")
	require.NoError(t, err)
	require.NoError(t, s.CompleteTransfer(ctx, tr.ID, ev))

	bus := broker.NewMemoryBus(time.Millisecond, newTestLogger())
	p := outbox.NewPublisher([]outbox.Source{s}, bus, testConfig(), newTestLogger())

	assert.Equal(t, 1, p.RunOnce(ctx))
	assert.Equal(t, 0, p.RunOnce(ctx))

	msgs := bus.Published(domain.TopicTransferCompleted)
	require.Len(t, msgs, 1)
	decoded, err := domain.DecodeEnvelope(msgs[0].Body)
	require.NoError(t, err)
	assert.Equal(t, "t1", decoded.AggregateID)
}
