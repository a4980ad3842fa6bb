package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MemoryBus is an in-process broker for single-binary deployments and tests.
// Each topic keeps an append-only log; each consumer group keeps a cursor and
// a retry queue. Messages do not survive a restart.
type MemoryBus struct {
	mu     sync.Mutex
	topics map[string]*memTopic
	closed bool

	retryDelay time.Duration
	logger     *slog.Logger
}

type memTopic struct {
	log    []Message
	groups map[string]*memGroup
	wake   chan struct{}
}

type memGroup struct {
	next  int
	retry []pendingRetry
}

type pendingRetry struct {
	msg Message
	due time.Time
}

// NewMemoryBus returns an empty bus. retryDelay is the base delay before a
// failed delivery is retried; it doubles per attempt up to 32x.
func NewMemoryBus(retryDelay time.Duration, logger *slog.Logger) *MemoryBus {
	if retryDelay <= 0 {
		retryDelay = 100 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{topics: make(map[string]*memTopic), retryDelay: retryDelay, logger: logger}
}

func (b *MemoryBus) topic(name string) *memTopic {
	t, ok := b.topics[name]
	if !ok {
		t = &memTopic{groups: make(map[string]*memGroup), wake: make(chan struct{})}
		b.topics[name] = t
	}
	return t
}

// Publish appends msg to its topic.
func (b *MemoryBus) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	t := b.topic(msg.Topic)
	msg.Attempt = 0
	t.log = append(t.log, msg)
	close(t.wake)
	t.wake = make(chan struct{})
	return nil
}

// Published returns a copy of everything published to topic.
func (b *MemoryBus) Published(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topic]
	if !ok {
		return nil
	}
	out := make([]Message, len(t.log))
	copy(out, t.log)
	return out
}

// Subscribe delivers topic messages to h until ctx is cancelled. A group
// that subscribes for the first time starts from the beginning of the log.
func (b *MemoryBus) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	for {
		msg, wait, ok := b.next(topic, group)
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-wait:
			case <-time.After(b.retryDelay):
			}
			continue
		}

		msg.Attempt++
		if err := h(ctx, msg); err != nil {
			if ctx.Err() != nil {
				b.requeue(topic, group, msg, 0)
				return nil
			}
			b.logger.Warn("delivery failed, will retry",
				slog.String("topic", topic), slog.String("group", group),
				slog.String("message_id", msg.ID), slog.Int("attempt", msg.Attempt), slog.Any("error", err))
			b.requeue(topic, group, msg, b.backoff(msg.Attempt))
		}
	}
}

func (b *MemoryBus) backoff(attempt int) time.Duration {
	shift := attempt - 1
	if shift > 5 {
		shift = 5
	}
	return b.retryDelay << shift
}

// next returns the next due message for the group, or a channel that is
// closed when the topic receives a new message.
func (b *MemoryBus) next(topic, group string) (Message, <-chan struct{}, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(topic)
	g, ok := t.groups[group]
	if !ok {
		g = &memGroup{}
		t.groups[group] = g
	}

	now := time.Now()
	for i, r := range g.retry {
		if !r.due.After(now) {
			g.retry = append(g.retry[:i], g.retry[i+1:]...)
			return r.msg, nil, true
		}
	}
	if g.next < len(t.log) {
		msg := t.log[g.next]
		g.next++
		return msg, nil, true
	}
	return Message{}, t.wake, false
}

func (b *MemoryBus) requeue(topic, group string, msg Message, delay time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g := b.topic(topic).groups[group]
	g.retry = append(g.retry, pendingRetry{msg: msg, due: time.Now().Add(delay)})
}

// Close stops accepting messages. Running subscriptions stop with their
// context.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
