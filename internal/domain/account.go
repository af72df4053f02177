package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type AccountStatus string

const (
	AccountStatusActive    AccountStatus = "active"
	AccountStatusFrozen    AccountStatus = "frozen"
	AccountStatusSuspended AccountStatus = "suspended"
	AccountStatusClosed    AccountStatus = "closed"
)

// Account is owned by the account-management collaborator. The engine reads
// it everywhere but mutates balance and version only inside the ledger
// mutator's lock scope.
type Account struct {
	ID        uuid.UUID
	OwnerID   uuid.UUID
	Currency  string
	Balance   decimal.Decimal
	Status    AccountStatus
	FeeExempt bool
	OpenedAt  time.Time
	Version   int64
	CreatedAt time.Time
}

// VerifyOperable returns the business error matching a non-active status.
func (a *Account) VerifyOperable() error {
	switch a.Status {
	case AccountStatusActive:
		return nil
	case AccountStatusFrozen:
		return ErrAccountFrozen
	case AccountStatusSuspended:
		return ErrAccountSuspended
	default:
		return ErrAccountClosed
	}
}
