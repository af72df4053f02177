package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidTransaction  = errors.New("invalid transaction request")
	ErrInvalidAmount       = errors.New("amount out of bounds")
	ErrInvalidCurrency     = errors.New("invalid currency code")
	ErrSelfTransfer        = errors.New("source and target accounts must differ")
	ErrStateConflict       = errors.New("illegal state transition")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAccountFrozen       = errors.New("account frozen")
	ErrAccountSuspended    = errors.New("account suspended")
	ErrAccountClosed       = errors.New("account closed")
	ErrIrreversibleState   = errors.New("transaction not reversible")
	ErrNoPendingApproval   = errors.New("no pending approval for approver")
	ErrApprovalOverdue     = errors.New("approval past due")
	ErrNoApproverAvailable = errors.New("no eligible approver available")
	ErrNoEscalationPath    = errors.New("no escalation path from level")
	ErrScheduling          = errors.New("invalid schedule configuration")
	ErrScheduleQuota       = errors.New("active schedule quota exceeded")
	ErrVersionConflict     = errors.New("optimistic lock conflict")
)

// IsSettlementFailure reports whether err is a business-rule violation at
// settlement time. These land the transaction in failed; anything else is an
// infrastructure error and leaves the transaction unchanged for retry.
func IsSettlementFailure(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrAccountFrozen) ||
		errors.Is(err, ErrAccountSuspended) ||
		errors.Is(err, ErrAccountClosed)
}
