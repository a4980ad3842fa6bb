// Package fraud scores completed transfers and acts on the decisions.
package fraud

import (
	"fmt"

	"github.com/punchamoorthee/shardledger/internal/domain"
	"github.com/shopspring/decimal"
)

// Scorer turns a transfer amount into a risk score in [0, 1] and a decision.
type Scorer struct {
	ceiling decimal.Decimal
	block   decimal.Decimal
	review  decimal.Decimal
}

// NewScorer scores amount/ceiling capped at 1. A score at or above block is
// BLOCK, at or above review is REVIEW, anything lower is ALLOW.
func NewScorer(ceiling int64, block, review float64) (*Scorer, error) {
	if ceiling <= 0 {
		return nil, fmt.Errorf("score ceiling must be positive, got %d", ceiling)
	}
	if review <= 0 || review > block || block > 1 {
		return nil, fmt.Errorf("thresholds must satisfy 0 < review <= block <= 1, got review=%v block=%v", review, block)
	}
	return &Scorer{
		ceiling: decimal.NewFromInt(ceiling),
		block:   decimal.NewFromFloat(block),
		review:  decimal.NewFromFloat(review),
	}, nil
}

// Score returns min(1, amount/ceiling) rounded to four places.
func (s *Scorer) Score(amount int64) decimal.Decimal {
	if amount <= 0 {
		return decimal.Zero
	}
	return decimal.Min(decimal.NewFromInt(amount).Div(s.ceiling), decimal.NewFromInt(1)).Round(4)
}

// Decide maps a score onto a decision.
func (s *Scorer) Decide(score decimal.Decimal) domain.Decision {
	switch {
	case score.GreaterThanOrEqual(s.block):
		return domain.DecisionBlock
	case score.GreaterThanOrEqual(s.review):
		return domain.DecisionReview
	}
	return domain.DecisionAllow
}

// Evaluate scores a transfer.
func (s *Scorer) Evaluate(transferID string, amount int64) domain.FraudDecision {
	score := s.Score(amount)
	return domain.FraudDecision{
		TransferID: transferID,
		Score:      score.InexactFloat64(),
		Decision:   s.Decide(score),
	}
}

// formatAmount renders minor units as a fixed two-place amount.
func formatAmount(amount int64, currency string) string {
	return decimal.New(amount, -2).StringFixed(2) + " " + currency
}
