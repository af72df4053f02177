// Package ledger owns balance mutation. Every balance change in the system
// flows through Mutator inside a caller-provided database transaction that
// already holds the transaction row lock.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tevinmoran/corebank/internal/domain"
)

type accountRepo interface {
	GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Account, error)
	UpdateBalance(ctx context.Context, tx *sql.Tx, id uuid.UUID, newBalance decimal.Decimal, newVersion int64) error
}

type entryRepo interface {
	Create(ctx context.Context, tx *sql.Tx, entry *domain.LedgerEntry) error
}

type Mutator struct {
	accounts accountRepo
	entries  entryRepo
}

func NewMutator(accounts accountRepo, entries entryRepo) *Mutator {
	return &Mutator{accounts: accounts, entries: entries}
}

// delta is one signed balance movement against a single account.
type delta struct {
	accountID uuid.UUID
	amount    decimal.Decimal // negative = debit
}

// Apply settles the transaction's balance movements: locks the affected
// accounts in deterministic order, verifies state and funds, writes paired
// ledger entries and bumps versioned balances. Nothing is written unless
// every check passes.
func (m *Mutator) Apply(ctx context.Context, tx *sql.Tx, txn *domain.Transaction) error {
	deltas, err := movements(txn)
	if err != nil {
		return fmt.Errorf("Apply: %w", err)
	}
	if err := m.apply(ctx, tx, txn, deltas); err != nil {
		return fmt.Errorf("Apply: %w", err)
	}
	return nil
}

// Reverse applies the exact negation of the original transaction's
// movements on behalf of the reversal transaction, restoring every balance
// the original touched.
func (m *Mutator) Reverse(ctx context.Context, tx *sql.Tx, reversal, original *domain.Transaction) error {
	deltas, err := movements(original)
	if err != nil {
		return fmt.Errorf("Reverse: %w", err)
	}
	for i := range deltas {
		deltas[i].amount = deltas[i].amount.Neg()
	}
	if err := m.apply(ctx, tx, reversal, deltas); err != nil {
		return fmt.Errorf("Reverse: %w", err)
	}
	return nil
}

func (m *Mutator) apply(ctx context.Context, tx *sql.Tx, txn *domain.Transaction, deltas []delta) error {
	locked, err := m.lockAccountsInOrder(ctx, tx, accountIDs(deltas))
	if err != nil {
		return err
	}

	// All checks before any write.
	for _, d := range deltas {
		acct := locked[d.accountID]
		if err := acct.VerifyOperable(); err != nil {
			return fmt.Errorf("account %s: %w", acct.ID, err)
		}
		if d.amount.IsNegative() && acct.Balance.Add(d.amount).IsNegative() {
			return fmt.Errorf("account %s: %w", acct.ID, domain.ErrInsufficientBalance)
		}
	}

	now := time.Now().UTC()
	for _, d := range deltas {
		acct := locked[d.accountID]
		newBalance := acct.Balance.Add(d.amount)

		entryType := domain.EntryTypeCredit
		if d.amount.IsNegative() {
			entryType = domain.EntryTypeDebit
		}

		entry := &domain.LedgerEntry{
			ID:            uuid.New(),
			TransactionID: txn.ID,
			AccountID:     acct.ID,
			EntryType:     entryType,
			Amount:        d.amount.Abs(),
			Currency:      txn.Currency,
			BalanceBefore: acct.Balance,
			BalanceAfter:  newBalance,
			CreatedAt:     now,
		}
		if err := m.entries.Create(ctx, tx, entry); err != nil {
			return fmt.Errorf("%s %s: %w", entryType, acct.ID, err)
		}

		if err := m.accounts.UpdateBalance(ctx, tx, acct.ID, newBalance, acct.Version+1); err != nil {
			return fmt.Errorf("update %s: %w", acct.ID, err)
		}
	}

	return nil
}

// movements maps a transaction to its signed balance deltas. The fee is
// charged on top of the amount on the debit side and absorbed on credit-only
// movements.
func movements(txn *domain.Transaction) ([]delta, error) {
	switch txn.Type {
	case domain.TransactionTypeDeposit:
		return []delta{
			{*txn.TargetAccountID, txn.Amount.Sub(txn.Fee)},
		}, nil
	case domain.TransactionTypeWithdrawal:
		return []delta{
			{*txn.SourceAccountID, txn.Amount.Add(txn.Fee).Neg()},
		}, nil
	case domain.TransactionTypeTransfer, domain.TransactionTypeScheduled:
		return []delta{
			{*txn.SourceAccountID, txn.Amount.Add(txn.Fee).Neg()},
			{*txn.TargetAccountID, txn.Amount},
		}, nil
	case domain.TransactionTypeAdjustment:
		var deltas []delta
		if txn.SourceAccountID != nil {
			deltas = append(deltas, delta{*txn.SourceAccountID, txn.Amount.Neg()})
		}
		if txn.TargetAccountID != nil {
			deltas = append(deltas, delta{*txn.TargetAccountID, txn.Amount})
		}
		return deltas, nil
	default:
		return nil, fmt.Errorf("type %s has no direct movements: %w", txn.Type, domain.ErrInvalidTransaction)
	}
}

func accountIDs(deltas []delta) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(deltas))
	for _, d := range deltas {
		ids = append(ids, d.accountID)
	}
	return ids
}

// lockAccountsInOrder acquires row locks in ascending ID order so two
// settlements touching the same accounts cannot deadlock.
func (m *Mutator) lockAccountsInOrder(ctx context.Context, tx *sql.Tx, ids []uuid.UUID) (map[uuid.UUID]*domain.Account, error) {
	sorted := make([]uuid.UUID, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].String() < sorted[j].String()
	})

	result := make(map[uuid.UUID]*domain.Account, len(ids))
	for _, id := range sorted {
		if _, ok := result[id]; ok {
			continue
		}
		acct, err := m.accounts.GetForUpdate(ctx, tx, id)
		if err != nil {
			return nil, fmt.Errorf("lockAccountsInOrder: %w", err)
		}
		result[id] = acct
	}
	return result, nil
}
