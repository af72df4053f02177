// Package risk is the default fraud-scoring collaborator. It applies cheap
// static heuristics; deployments with a real scoring service swap it out
// behind the engine's assessor interface.
package risk

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/tevinmoran/corebank/internal/domain"
	"github.com/tevinmoran/corebank/internal/engine"
)

const highRiskThreshold = 75

var (
	largeAmount = decimal.RequireFromString("50000")
	hugeAmount  = decimal.RequireFromString("250000")
)

type Assessor struct{}

func NewAssessor() *Assessor {
	return &Assessor{}
}

// Score rates the transaction from 0 to 100. Withdrawals and large amounts
// push the score up; crossing highRiskThreshold flags the transaction
// high-risk.
func (a *Assessor) Score(_ context.Context, txn *domain.Transaction) (engine.RiskScore, error) {
	score := 0

	switch {
	case txn.Amount.GreaterThanOrEqual(hugeAmount):
		score += 60
	case txn.Amount.GreaterThanOrEqual(largeAmount):
		score += 35
	}

	if txn.Type == domain.TransactionTypeWithdrawal {
		score += 20
	}

	// Round amounts at scale correlate with structuring attempts.
	if txn.Amount.GreaterThanOrEqual(largeAmount) && txn.Amount.Mod(decimal.RequireFromString("1000")).IsZero() {
		score += 10
	}

	if score > 100 {
		score = 100
	}

	return engine.RiskScore{Score: score, HighRisk: score >= highRiskThreshold}, nil
}
