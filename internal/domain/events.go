package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the only envelope version this build understands.
const SchemaVersion = 1

// EventType tags the payload carried by an Envelope.
type EventType string

const (
	EventTransferCompleted EventType = "TransferCompleted"
	EventFraudDecision     EventType = "FraudDecision"
	EventFraudActionTaken  EventType = "FraudActionTaken"
)

// Broker topics.
const (
	TopicTransferCompleted = "ledger.transfer.completed"
	TopicFraudDecision     = "fraud.decision"
	TopicFraudAction       = "fraud.action"
)

// Topic returns the broker topic events of this type are published to.
func (t EventType) Topic() (string, error) {
	switch t {
	case EventTransferCompleted:
		return TopicTransferCompleted, nil
	case EventFraudDecision:
		return TopicFraudDecision, nil
	case EventFraudActionTaken:
		return TopicFraudAction, nil
	}
	return "", fmt.Errorf("%w: type %q", ErrUnknownEvent, t)
}

// Payload is implemented by every event body.
type Payload interface {
	EventType() EventType
}

// TransferCompletedEvent is emitted once per completed transfer.
type TransferCompletedEvent struct {
	TransferID string `json:"transfer_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	ReversalOf string `json:"reversal_of,omitempty"`
}

func (TransferCompletedEvent) EventType() EventType { return EventTransferCompleted }

func (FraudDecision) EventType() EventType { return EventFraudDecision }

// FraudActionTaken reports the outcome of an action engine step.
type FraudActionTaken struct {
	TransferID string       `json:"transfer_id"`
	ActionType string       `json:"action_type"`
	Status     ActionStatus `json:"status"`
}

func (FraudActionTaken) EventType() EventType { return EventFraudActionTaken }

// Envelope is the wire format of every event.
type Envelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	SchemaVersion int             `json:"schema_version"`
	AggregateID   string          `json:"aggregate_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope wraps payload for the aggregate.
func NewEnvelope(aggregateID string, payload Payload, at time.Time) (Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", payload.EventType(), err)
	}
	return Envelope{
		ID:            uuid.NewString(),
		Type:          payload.EventType(),
		SchemaVersion: SchemaVersion,
		AggregateID:   aggregateID,
		OccurredAt:    at.UTC(),
		Payload:       body,
	}, nil
}

// Marshal encodes the envelope.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// OutboxEvent converts the envelope into an outbox row. An empty dedupeKey
// defaults to "<type>:<aggregate>", which allows one event of each type per
// aggregate.
func (e Envelope) OutboxEvent(dedupeKey string) (*OutboxEvent, error) {
	body, err := e.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	if dedupeKey == "" {
		dedupeKey = string(e.Type) + ":" + e.AggregateID
	}
	return &OutboxEvent{
		ID:          e.ID,
		DedupeKey:   dedupeKey,
		AggregateID: e.AggregateID,
		EventType:   e.Type,
		Payload:     body,
		CreatedAt:   e.OccurredAt,
	}, nil
}

// DecodeEnvelope parses an envelope, rejecting unknown fields, types and
// schema versions.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := strictUnmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrUnknownEvent, err)
	}
	if env.SchemaVersion != SchemaVersion {
		return Envelope{}, fmt.Errorf("%w: schema version %d", ErrUnknownEvent, env.SchemaVersion)
	}
	if _, err := env.Type.Topic(); err != nil {
		return Envelope{}, err
	}
	if env.ID == "" || len(env.Payload) == 0 {
		return Envelope{}, fmt.Errorf("%w: missing id or payload", ErrUnknownEvent)
	}
	return env, nil
}

// Decode unmarshals the payload into dst after checking the tag matches.
func (e Envelope) Decode(dst Payload) error {
	if dst.EventType() != e.Type {
		return fmt.Errorf("%w: expected %s, got %s", ErrUnknownEvent, dst.EventType(), e.Type)
	}
	if err := strictUnmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrUnknownEvent, e.Type, err)
	}
	return nil
}

func strictUnmarshal(data []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
