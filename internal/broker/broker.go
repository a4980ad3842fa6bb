// Package broker carries events between the outbox relay and the consumers.
// Delivery is at-least-once: handlers must tolerate duplicates.
package broker

import (
	"context"
	"errors"
)

// ErrClosed is returned when publishing to a closed broker.
var ErrClosed = errors.New("broker closed")

// Message is one event on a topic. Key is the aggregate the event belongs to.
type Message struct {
	ID      string
	Topic   string
	Key     string
	Type    string
	Body    []byte
	Attempt int
}

// Handler processes a delivery. A non-nil error causes redelivery.
type Handler func(ctx context.Context, msg Message) error

// Publisher publishes messages.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Subscriber delivers messages of a topic to a consumer group. Subscribe
// blocks until ctx is cancelled. Subscriptions sharing a group compete for
// messages; different groups each see every message.
type Subscriber interface {
	Subscribe(ctx context.Context, topic, group string, h Handler) error
}

// Broker is both ends.
type Broker interface {
	Publisher
	Subscriber
	Close() error
}
