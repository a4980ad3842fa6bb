package fraud

import (
	"context"
	"log/slog"
	"time"

	"github.com/punchamoorthee/shardledger/internal/broker"
	"github.com/punchamoorthee/shardledger/internal/domain"
)

// DecisionRecorder persists decisions. *store.FraudStore implements it.
type DecisionRecorder interface {
	RecordDecision(ctx context.Context, rec domain.DecisionRecord, ev *domain.OutboxEvent) (bool, error)
}

// DecisionConsumer scores TransferCompleted events.
type DecisionConsumer struct {
	store  DecisionRecorder
	scorer *Scorer
	logger *slog.Logger
	now    func() time.Time
}

// NewDecisionConsumer creates a consumer.
func NewDecisionConsumer(store DecisionRecorder, scorer *Scorer, logger *slog.Logger) *DecisionConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &DecisionConsumer{store: store, scorer: scorer, logger: logger, now: time.Now}
}

// Handle scores one delivery. Malformed and unknown events are logged and
// dropped; storage errors are returned so the broker redelivers.
func (c *DecisionConsumer) Handle(ctx context.Context, msg broker.Message) error {
	env, err := domain.DecodeEnvelope(msg.Body)
	if err != nil {
		return c.drop(msg, "invalid_envelope", err)
	}
	var tc domain.TransferCompletedEvent
	if err := env.Decode(&tc); err != nil {
		return c.drop(msg, "invalid_payload", err)
	}
	if tc.ReversalOf != "" {
		// Reversals are the fraud engine's own output.
		return nil
	}

	decision := c.scorer.Evaluate(tc.TransferID, tc.Amount)
	rec := domain.DecisionRecord{
		FraudDecision: decision,
		FromOwner:     tc.From,
		ToOwner:       tc.To,
		Amount:        tc.Amount,
		Currency:      tc.Currency,
		DecidedAt:     c.now().UTC(),
	}
	out, err := domain.NewEnvelope(tc.TransferID, rec.FraudDecision, rec.DecidedAt)
	if err != nil {
		return err
	}
	ev, err := out.OutboxEvent("")
	if err != nil {
		return err
	}

	recorded, err := c.store.RecordDecision(ctx, rec, ev)
	if err != nil {
		return err
	}
	if !recorded {
		duplicatesTotal.WithLabelValues("decision").Inc()
		c.logger.Debug("transfer already scored", slog.String("transfer_id", tc.TransferID))
		return nil
	}

	decisionsTotal.WithLabelValues(string(decision.Decision)).Inc()
	c.logger.Info("fraud decision recorded",
		slog.String("transfer_id", tc.TransferID),
		slog.Float64("score", decision.Score),
		slog.String("decision", string(decision.Decision)))
	return nil
}

func (c *DecisionConsumer) drop(msg broker.Message, reason string, err error) error {
	droppedTotal.WithLabelValues("decision", reason).Inc()
	c.logger.Error("dropping message", slog.String("message_id", msg.ID),
		slog.String("reason", reason), slog.Any("error", err))
	return nil
}
