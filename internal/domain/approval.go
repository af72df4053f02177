package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ApprovalLevel string

const (
	LevelTeller            ApprovalLevel = "teller"
	LevelManager           ApprovalLevel = "manager"
	LevelAdmin             ApprovalLevel = "admin"
	LevelComplianceOfficer ApprovalLevel = "compliance_officer"
	LevelRiskManager       ApprovalLevel = "risk_manager"
	LevelSeniorManager     ApprovalLevel = "senior_manager"
	LevelExecutive         ApprovalLevel = "executive"
)

// levelOrder ranks levels from lowest to highest authority.
var levelOrder = []ApprovalLevel{
	LevelTeller,
	LevelManager,
	LevelAdmin,
	LevelComplianceOfficer,
	LevelRiskManager,
	LevelSeniorManager,
	LevelExecutive,
}

func (l ApprovalLevel) Rank() int {
	for i, level := range levelOrder {
		if level == l {
			return i
		}
	}
	return -1
}

func (l ApprovalLevel) Valid() bool {
	return l.Rank() >= 0
}

// levelCeiling is the maximum amount each level may authorise on its own.
// The executive level is unbounded and has no entry.
var levelCeiling = map[ApprovalLevel]decimal.Decimal{
	LevelTeller:            decimal.RequireFromString("5000"),
	LevelManager:           decimal.RequireFromString("25000"),
	LevelAdmin:             decimal.RequireFromString("100000"),
	LevelComplianceOfficer: decimal.RequireFromString("250000"),
	LevelRiskManager:       decimal.RequireFromString("500000"),
	LevelSeniorManager:     decimal.RequireFromString("1000000"),
}

// LevelForAmount returns the lowest level whose ceiling covers the amount.
func LevelForAmount(amount decimal.Decimal) ApprovalLevel {
	for _, level := range levelOrder {
		ceiling, bounded := levelCeiling[level]
		if !bounded || amount.LessThanOrEqual(ceiling) {
			return level
		}
	}
	return LevelExecutive
}

// RequiredLevels maps a transaction to the set of approval levels it needs:
// the minimal covering level, plus risk_manager and compliance_officer for
// high-risk or cross-currency transactions. The result is ordered by rank.
func RequiredLevels(amount decimal.Decimal, highRisk, crossCurrency bool) []ApprovalLevel {
	required := map[ApprovalLevel]bool{LevelForAmount(amount): true}
	if highRisk || crossCurrency {
		required[LevelRiskManager] = true
		required[LevelComplianceOfficer] = true
	}

	var levels []ApprovalLevel
	for _, level := range levelOrder {
		if required[level] {
			levels = append(levels, level)
		}
	}
	return levels
}

// escalationPath is the fixed next level a pending approval advances to on
// timeout or manual escalation. Executive approvals have nowhere to go.
var escalationPath = map[ApprovalLevel]ApprovalLevel{
	LevelTeller:            LevelManager,
	LevelManager:           LevelAdmin,
	LevelAdmin:             LevelSeniorManager,
	LevelComplianceOfficer: LevelRiskManager,
	LevelRiskManager:       LevelSeniorManager,
	LevelSeniorManager:     LevelExecutive,
}

func (l ApprovalLevel) EscalatesTo() (ApprovalLevel, bool) {
	next, ok := escalationPath[l]
	return next, ok
}

var levelTimeout = map[ApprovalLevel]time.Duration{
	LevelTeller:            24 * time.Hour,
	LevelManager:           24 * time.Hour,
	LevelAdmin:             48 * time.Hour,
	LevelComplianceOfficer: 72 * time.Hour,
	LevelRiskManager:       72 * time.Hour,
	LevelSeniorManager:     96 * time.Hour,
	LevelExecutive:         120 * time.Hour,
}

// Timeout returns how long an approval at this level may stay pending.
// High-risk transactions get half the window.
func (l ApprovalLevel) Timeout(highRisk bool) time.Duration {
	d := levelTimeout[l]
	if highRisk {
		d /= 2
	}
	return d
}

type ApprovalStatus string

const (
	ApprovalStatusPending   ApprovalStatus = "pending"
	ApprovalStatusApproved  ApprovalStatus = "approved"
	ApprovalStatusRejected  ApprovalStatus = "rejected"
	ApprovalStatusEscalated ApprovalStatus = "escalated"
	ApprovalStatusCancelled ApprovalStatus = "cancelled"
)

type Approval struct {
	ID            uuid.UUID
	TransactionID uuid.UUID
	ApproverID    uuid.UUID
	Level         ApprovalLevel
	Status        ApprovalStatus
	Notes         *string
	DueAt         time.Time
	ActedAt       *time.Time
	EscalatedFrom *uuid.UUID
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Approver is the resolved identity behind an approval level, supplied by
// the approver directory collaborator.
type Approver struct {
	ID    uuid.UUID
	Name  string
	Level ApprovalLevel
}
