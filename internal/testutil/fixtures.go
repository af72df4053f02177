package testutil

import (
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tevinmoran/corebank/internal/domain"
)

func SeedAccount(t *testing.T, db *sql.DB, ownerID uuid.UUID, currency string, balance string) *domain.Account {
	t.Helper()

	a := &domain.Account{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Currency:  currency,
		Balance:   decimal.RequireFromString(balance),
		Status:    domain.AccountStatusActive,
		OpenedAt:  time.Now().UTC().AddDate(-1, 0, 0),
		Version:   0,
		CreatedAt: time.Now().UTC(),
	}

	_, err := db.Exec(
		`INSERT INTO accounts (id, owner_id, currency, balance, status, fee_exempt, opened_at, version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.OwnerID, a.Currency, a.Balance, a.Status, a.FeeExempt, a.OpenedAt, a.Version, a.CreatedAt,
	)
	if err != nil {
		t.Fatalf("seed account %s/%s: %v", ownerID, currency, err)
	}
	return a
}

func SetAccountStatus(t *testing.T, db *sql.DB, accountID uuid.UUID, status domain.AccountStatus) {
	t.Helper()

	if _, err := db.Exec(`UPDATE accounts SET status = $1 WHERE id = $2`, status, accountID); err != nil {
		t.Fatalf("set account %s status: %v", accountID, err)
	}
}

func SeedApprover(t *testing.T, db *sql.DB, name string, level domain.ApprovalLevel) *domain.Approver {
	t.Helper()

	a := &domain.Approver{
		ID:    uuid.New(),
		Name:  name,
		Level: level,
	}

	_, err := db.Exec(
		`INSERT INTO approvers (id, name, level, active) VALUES ($1, $2, $3, true)`,
		a.ID, a.Name, a.Level,
	)
	if err != nil {
		t.Fatalf("seed approver %s/%s: %v", name, level, err)
	}
	return a
}

// SeedApproverBench seeds one approver per level so any workflow can be
// staffed.
func SeedApproverBench(t *testing.T, db *sql.DB) map[domain.ApprovalLevel]*domain.Approver {
	t.Helper()

	levels := []domain.ApprovalLevel{
		domain.LevelTeller,
		domain.LevelManager,
		domain.LevelAdmin,
		domain.LevelComplianceOfficer,
		domain.LevelRiskManager,
		domain.LevelSeniorManager,
		domain.LevelExecutive,
	}

	bench := make(map[domain.ApprovalLevel]*domain.Approver, len(levels))
	for _, level := range levels {
		bench[level] = SeedApprover(t, db, string(level)+"-1", level)
	}
	return bench
}

func GetAccountBalance(t *testing.T, db *sql.DB, accountID uuid.UUID) decimal.Decimal {
	t.Helper()

	var balance decimal.Decimal
	err := db.QueryRow(`SELECT balance FROM accounts WHERE id = $1`, accountID).Scan(&balance)
	if err != nil {
		t.Fatalf("get account balance %s: %v", accountID, err)
	}
	return balance
}

func GetTransactionStatus(t *testing.T, db *sql.DB, transactionID uuid.UUID) domain.TransactionStatus {
	t.Helper()

	var status domain.TransactionStatus
	err := db.QueryRow(`SELECT status FROM transactions WHERE id = $1`, transactionID).Scan(&status)
	if err != nil {
		t.Fatalf("get transaction status %s: %v", transactionID, err)
	}
	return status
}

func CountLedgerEntries(t *testing.T, db *sql.DB, transactionID uuid.UUID) int {
	t.Helper()

	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM ledger_entries WHERE transaction_id = $1`, transactionID).Scan(&count)
	if err != nil {
		t.Fatalf("count ledger entries for transaction %s: %v", transactionID, err)
	}
	return count
}

func SetApprovalDue(t *testing.T, db *sql.DB, approvalID uuid.UUID, dueAt time.Time) {
	t.Helper()

	if _, err := db.Exec(`UPDATE approvals SET due_at = $1 WHERE id = $2`, dueAt, approvalID); err != nil {
		t.Fatalf("set approval %s due_at: %v", approvalID, err)
	}
}
