package domain

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TransactionTypeDeposit    TransactionType = "deposit"
	TransactionTypeWithdrawal TransactionType = "withdrawal"
	TransactionTypeTransfer   TransactionType = "transfer"
	TransactionTypeScheduled  TransactionType = "scheduled"
	TransactionTypeReversal   TransactionType = "reversal"
	TransactionTypeAdjustment TransactionType = "adjustment"
)

type TransactionStatus string

const (
	TransactionStatusPending         TransactionStatus = "pending"
	TransactionStatusPendingApproval TransactionStatus = "pending_approval"
	TransactionStatusApproved        TransactionStatus = "approved"
	TransactionStatusProcessing      TransactionStatus = "processing"
	TransactionStatusOnHold          TransactionStatus = "on_hold"
	TransactionStatusCompleted       TransactionStatus = "completed"
	TransactionStatusFailed          TransactionStatus = "failed"
	TransactionStatusRejected        TransactionStatus = "rejected"
	TransactionStatusCancelled       TransactionStatus = "cancelled"
	TransactionStatusReversed        TransactionStatus = "reversed"
)

// Amount bounds for any single transaction, currency-agnostic.
var (
	MinTransactionAmount = decimal.RequireFromString("0.01")
	MaxTransactionAmount = decimal.RequireFromString("99999999.99")
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

func ValidCurrency(code string) bool {
	return currencyPattern.MatchString(code)
}

// transitions is the single authoritative state diagram. Any status change
// not listed here is a state conflict.
var transitions = map[TransactionStatus][]TransactionStatus{
	TransactionStatusPending:         {TransactionStatusPendingApproval, TransactionStatusProcessing, TransactionStatusOnHold, TransactionStatusCancelled, TransactionStatusFailed},
	TransactionStatusPendingApproval: {TransactionStatusApproved, TransactionStatusRejected, TransactionStatusCancelled},
	TransactionStatusApproved:        {TransactionStatusProcessing, TransactionStatusCancelled},
	TransactionStatusProcessing:      {TransactionStatusCompleted, TransactionStatusFailed},
	TransactionStatusOnHold:          {TransactionStatusPending, TransactionStatusCancelled},
	TransactionStatusCompleted:       {TransactionStatusReversed},
	TransactionStatusFailed:          {TransactionStatusPending, TransactionStatusCancelled},
}

func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

func (s TransactionStatus) Terminal() bool {
	switch s {
	case TransactionStatusRejected, TransactionStatusCancelled, TransactionStatusReversed:
		return true
	default:
		return false
	}
}

type Transaction struct {
	ID               uuid.UUID
	Type             TransactionType
	Status           TransactionStatus
	Amount           decimal.Decimal
	Currency         string
	SourceAccountID  *uuid.UUID
	TargetAccountID  *uuid.UUID
	Fee              decimal.Decimal
	RequiresApproval bool
	HighRisk         bool
	CrossCurrency    bool
	InitiatorID      uuid.UUID
	ProcessorID      *uuid.UUID
	ApproverID       *uuid.UUID
	ReversalOf       *uuid.UUID
	FailureReason    *string
	Metadata         json.RawMessage
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      *time.Time
}

// RequiresSource reports whether the transaction type debits an account.
func (t TransactionType) RequiresSource() bool {
	switch t {
	case TransactionTypeWithdrawal, TransactionTypeTransfer, TransactionTypeScheduled:
		return true
	default:
		return false
	}
}

// RequiresTarget reports whether the transaction type credits an account.
func (t TransactionType) RequiresTarget() bool {
	switch t {
	case TransactionTypeDeposit, TransactionTypeTransfer, TransactionTypeScheduled:
		return true
	default:
		return false
	}
}
