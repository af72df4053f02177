package engine_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tevinmoran/corebank/internal/approval"
	"github.com/tevinmoran/corebank/internal/config"
	"github.com/tevinmoran/corebank/internal/domain"
	"github.com/tevinmoran/corebank/internal/engine"
	"github.com/tevinmoran/corebank/internal/ledger"
	"github.com/tevinmoran/corebank/internal/metrics"
	"github.com/tevinmoran/corebank/internal/repository"
	"github.com/tevinmoran/corebank/internal/testutil"

	"github.com/prometheus/client_golang/prometheus"
)

func amt(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testConfig() *config.Config {
	return &config.Config{
		AutoApproveLimit:    amt("5000"),
		FeeTransferPct:      amt("0.005"),
		FeeTransferTierPct:  amt("0.0025"),
		FeeTransferTierFrom: amt("10000"),
		FeeWithdrawalFlat:   amt("1.50"),
		FeeScheduledPct:     amt("0.0025"),
		FeeCrossCurrencyPct: amt("0.01"),
		FeeMax:              amt("250"),
		HighBalanceFloor:    amt("100000"),
		LoyaltyAgeDays:      730,
		MaxActiveSchedules:  10,
		SweepBatch:          100,
		SchedulerBatch:      100,
	}
}

func setupEngine(t *testing.T, db *sql.DB) *engine.Engine {
	t.Helper()

	cfg := testConfig()
	m := metrics.New(prometheus.NewRegistry())

	transactions := repository.NewTransactionRepository(db)
	accounts := repository.NewAccountRepository(db)
	approvals := repository.NewApprovalRepository(db)
	events := repository.NewEventRepository(db)
	entries := repository.NewLedgerRepository(db)
	approvers := repository.NewApproverRepository(db)

	mutator := ledger.NewMutator(accounts, entries)
	dispatcher := engine.NewDispatcher()

	eng := engine.NewEngine(transactions, accounts, approvals, events, mutator,
		nil, dispatcher, db, cfg, m)
	workflow := approval.NewWorkflow(transactions, approvals, events, approvers,
		eng, dispatcher, db, cfg, m)
	eng.SetWorkflows(workflow)

	return eng
}

func TestDeposit_HappyPath(t *testing.T) {
	db := testutil.SetupTestDB(t)
	eng := setupEngine(t, db)
	ctx := context.Background()
	actor := uuid.New()

	acct := testutil.SeedAccount(t, db, uuid.New(), "USD", "1000")

	txn, err := eng.Create(ctx, engine.CreateRequest{
		Type:            domain.TransactionTypeDeposit,
		Amount:          amt("500"),
		Currency:        "USD",
		TargetAccountID: &acct.ID,
	}, actor)

	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusCompleted, txn.Status)
	assert.True(t, txn.Fee.IsZero(), "deposit fee should be waived, got %s", txn.Fee)
	assert.NotNil(t, txn.CompletedAt)
	assert.False(t, txn.RequiresApproval)

	assert.True(t, testutil.GetAccountBalance(t, db, acct.ID).Equal(amt("1500")))
	assert.Equal(t, 1, testutil.CountLedgerEntries(t, db, txn.ID))
}

func TestWithdrawal_InsufficientFunds(t *testing.T) {
	db := testutil.SetupTestDB(t)
	eng := setupEngine(t, db)
	ctx := context.Background()

	acct := testutil.SeedAccount(t, db, uuid.New(), "USD", "100")

	txn, err := eng.Create(ctx, engine.CreateRequest{
		Type:            domain.TransactionTypeWithdrawal,
		Amount:          amt("500"),
		Currency:        "USD",
		SourceAccountID: &acct.ID,
	}, uuid.New())

	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	require.NotNil(t, txn)

	// The failure itself committed: the transaction exists in failed with
	// the reason on record, but no balances moved.
	assert.Equal(t, domain.TransactionStatusFailed, testutil.GetTransactionStatus(t, db, txn.ID))
	assert.True(t, testutil.GetAccountBalance(t, db, acct.ID).Equal(amt("100")))
	assert.Equal(t, 0, testutil.CountLedgerEntries(t, db, txn.ID))
}

func TestWithdrawal_FeeChargedOnTop(t *testing.T) {
	db := testutil.SetupTestDB(t)
	eng := setupEngine(t, db)
	ctx := context.Background()

	acct := testutil.SeedAccount(t, db, uuid.New(), "USD", "1000")

	txn, err := eng.Create(ctx, engine.CreateRequest{
		Type:            domain.TransactionTypeWithdrawal,
		Amount:          amt("200"),
		Currency:        "USD",
		SourceAccountID: &acct.ID,
	}, uuid.New())

	require.NoError(t, err)
	assert.True(t, txn.Fee.Equal(amt("1.50")))
	assert.True(t, testutil.GetAccountBalance(t, db, acct.ID).Equal(amt("798.50")))
}

func TestSettle_Idempotent(t *testing.T) {
	db := testutil.SetupTestDB(t)
	eng := setupEngine(t, db)
	ctx := context.Background()
	actor := uuid.New()

	acct := testutil.SeedAccount(t, db, uuid.New(), "USD", "1000")

	txn, err := eng.Create(ctx, engine.CreateRequest{
		Type:            domain.TransactionTypeDeposit,
		Amount:          amt("500"),
		Currency:        "USD",
		TargetAccountID: &acct.ID,
	}, actor)
	require.NoError(t, err)
	require.Equal(t, domain.TransactionStatusCompleted, txn.Status)

	// A repeated settle of a completed transaction is a no-op, not a
	// double-credit.
	require.NoError(t, eng.Settle(ctx, txn.ID, actor))
	assert.True(t, testutil.GetAccountBalance(t, db, acct.ID).Equal(amt("1500")))
	assert.Equal(t, 1, testutil.CountLedgerEntries(t, db, txn.ID))
}

func TestReverse_RoundTripRestoresBalances(t *testing.T) {
	db := testutil.SetupTestDB(t)
	eng := setupEngine(t, db)
	ctx := context.Background()
	actor := uuid.New()

	source := testutil.SeedAccount(t, db, uuid.New(), "USD", "10000")
	target := testutil.SeedAccount(t, db, uuid.New(), "USD", "5000")

	txn, err := eng.Create(ctx, engine.CreateRequest{
		Type:            domain.TransactionTypeTransfer,
		Amount:          amt("1000"),
		Currency:        "USD",
		SourceAccountID: &source.ID,
		TargetAccountID: &target.ID,
	}, actor)
	require.NoError(t, err)
	require.Equal(t, domain.TransactionStatusCompleted, txn.Status)
	require.True(t, txn.Fee.Equal(amt("5.00")))
	require.True(t, testutil.GetAccountBalance(t, db, source.ID).Equal(amt("8995.00")))
	require.True(t, testutil.GetAccountBalance(t, db, target.ID).Equal(amt("6000")))

	reversal, err := eng.Reverse(ctx, txn.ID, actor)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusCompleted, reversal.Status)
	assert.Equal(t, domain.TransactionTypeReversal, reversal.Type)
	require.NotNil(t, reversal.ReversalOf)
	assert.Equal(t, txn.ID, *reversal.ReversalOf)

	// Fee included: both accounts end exactly where they started.
	assert.True(t, testutil.GetAccountBalance(t, db, source.ID).Equal(amt("10000")))
	assert.True(t, testutil.GetAccountBalance(t, db, target.ID).Equal(amt("5000")))
	assert.Equal(t, domain.TransactionStatusReversed, testutil.GetTransactionStatus(t, db, txn.ID))
}

func TestReverse_OnlyCompleted(t *testing.T) {
	db := testutil.SetupTestDB(t)
	eng := setupEngine(t, db)
	ctx := context.Background()

	acct := testutil.SeedAccount(t, db, uuid.New(), "USD", "10")

	txn, err := eng.Create(ctx, engine.CreateRequest{
		Type:            domain.TransactionTypeWithdrawal,
		Amount:          amt("500"),
		Currency:        "USD",
		SourceAccountID: &acct.ID,
	}, uuid.New())
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	_, err = eng.Reverse(ctx, txn.ID, uuid.New())
	require.ErrorIs(t, err, domain.ErrIrreversibleState)
}

func TestReverse_Twice(t *testing.T) {
	db := testutil.SetupTestDB(t)
	eng := setupEngine(t, db)
	ctx := context.Background()
	actor := uuid.New()

	acct := testutil.SeedAccount(t, db, uuid.New(), "USD", "1000")

	txn, err := eng.Create(ctx, engine.CreateRequest{
		Type:            domain.TransactionTypeDeposit,
		Amount:          amt("500"),
		Currency:        "USD",
		TargetAccountID: &acct.ID,
	}, actor)
	require.NoError(t, err)

	_, err = eng.Reverse(ctx, txn.ID, actor)
	require.NoError(t, err)

	// Reversed is terminal: the second attempt cannot double-refund.
	_, err = eng.Reverse(ctx, txn.ID, actor)
	require.ErrorIs(t, err, domain.ErrIrreversibleState)
	assert.True(t, testutil.GetAccountBalance(t, db, acct.ID).Equal(amt("1000")))
}

func TestCancel_PendingApproval(t *testing.T) {
	db := testutil.SetupTestDB(t)
	eng := setupEngine(t, db)
	ctx := context.Background()
	actor := uuid.New()

	testutil.SeedApproverBench(t, db)
	source := testutil.SeedAccount(t, db, uuid.New(), "USD", "50000")
	target := testutil.SeedAccount(t, db, uuid.New(), "USD", "0")

	txn, err := eng.Create(ctx, engine.CreateRequest{
		Type:            domain.TransactionTypeTransfer,
		Amount:          amt("20000"),
		Currency:        "USD",
		SourceAccountID: &source.ID,
		TargetAccountID: &target.ID,
	}, actor)
	require.NoError(t, err)
	require.Equal(t, domain.TransactionStatusPendingApproval, txn.Status)

	require.NoError(t, eng.Cancel(ctx, txn.ID, actor, "customer request"))

	assert.Equal(t, domain.TransactionStatusCancelled, testutil.GetTransactionStatus(t, db, txn.ID))
	assert.True(t, testutil.GetAccountBalance(t, db, source.ID).Equal(amt("50000")))

	var pending int
	require.NoError(t, db.QueryRow(
		`SELECT COUNT(*) FROM approvals WHERE transaction_id = $1 AND status = 'pending'`, txn.ID,
	).Scan(&pending))
	assert.Zero(t, pending)
}

func TestCancel_CompletedConflicts(t *testing.T) {
	db := testutil.SetupTestDB(t)
	eng := setupEngine(t, db)
	ctx := context.Background()
	actor := uuid.New()

	acct := testutil.SeedAccount(t, db, uuid.New(), "USD", "1000")

	txn, err := eng.Create(ctx, engine.CreateRequest{
		Type:            domain.TransactionTypeDeposit,
		Amount:          amt("500"),
		Currency:        "USD",
		TargetAccountID: &acct.ID,
	}, actor)
	require.NoError(t, err)

	err = eng.Cancel(ctx, txn.ID, actor, "")
	require.ErrorIs(t, err, domain.ErrStateConflict)
}

func TestRetry_ApprovalRequiredReroutesToWorkflow(t *testing.T) {
	db := testutil.SetupTestDB(t)
	eng := setupEngine(t, db)
	ctx := context.Background()
	actor := uuid.New()

	source := testutil.SeedAccount(t, db, uuid.New(), "USD", "50000")
	target := testutil.SeedAccount(t, db, uuid.New(), "USD", "0")

	// Nobody staffed: routing to approval fails the transaction.
	txn, err := eng.Create(ctx, engine.CreateRequest{
		Type:            domain.TransactionTypeTransfer,
		Amount:          amt("20000"),
		Currency:        "USD",
		SourceAccountID: &source.ID,
		TargetAccountID: &target.ID,
	}, actor)
	require.ErrorIs(t, err, domain.ErrNoApproverAvailable)
	require.Equal(t, domain.TransactionStatusFailed, testutil.GetTransactionStatus(t, db, txn.ID))

	// Once the bench exists a retry must re-open the workflow, not settle.
	testutil.SeedApproverBench(t, db)
	require.NoError(t, eng.Retry(ctx, txn.ID, actor))
	assert.Equal(t, domain.TransactionStatusPendingApproval, testutil.GetTransactionStatus(t, db, txn.ID))

	var pending int
	require.NoError(t, db.QueryRow(
		`SELECT COUNT(*) FROM approvals WHERE transaction_id = $1 AND status = 'pending'`, txn.ID,
	).Scan(&pending))
	assert.Equal(t, 1, pending)

	// Settlement stays gated behind the approvals.
	err = eng.Settle(ctx, txn.ID, actor)
	require.ErrorIs(t, err, domain.ErrStateConflict)
	assert.True(t, testutil.GetAccountBalance(t, db, source.ID).Equal(amt("50000")))
	assert.Equal(t, 0, testutil.CountLedgerEntries(t, db, txn.ID))
}

func TestRetry_ApprovalRequiredStillUnstaffed(t *testing.T) {
	db := testutil.SetupTestDB(t)
	eng := setupEngine(t, db)
	ctx := context.Background()
	actor := uuid.New()

	source := testutil.SeedAccount(t, db, uuid.New(), "USD", "50000")
	target := testutil.SeedAccount(t, db, uuid.New(), "USD", "0")

	txn, err := eng.Create(ctx, engine.CreateRequest{
		Type:            domain.TransactionTypeTransfer,
		Amount:          amt("20000"),
		Currency:        "USD",
		SourceAccountID: &source.ID,
		TargetAccountID: &target.ID,
	}, actor)
	require.ErrorIs(t, err, domain.ErrNoApproverAvailable)

	// Retrying with the bench still empty lands right back in failed and
	// never opens a settlement window.
	err = eng.Retry(ctx, txn.ID, actor)
	require.ErrorIs(t, err, domain.ErrNoApproverAvailable)
	assert.Equal(t, domain.TransactionStatusFailed, testutil.GetTransactionStatus(t, db, txn.ID))
	assert.True(t, testutil.GetAccountBalance(t, db, source.ID).Equal(amt("50000")))
	assert.Equal(t, 0, testutil.CountLedgerEntries(t, db, txn.ID))
}

func TestRetry_HoldReleaseSettle(t *testing.T) {
	db := testutil.SetupTestDB(t)
	eng := setupEngine(t, db)
	ctx := context.Background()
	actor := uuid.New()

	acct := testutil.SeedAccount(t, db, uuid.New(), "USD", "100")

	txn, err := eng.Create(ctx, engine.CreateRequest{
		Type:            domain.TransactionTypeWithdrawal,
		Amount:          amt("500"),
		Currency:        "USD",
		SourceAccountID: &acct.ID,
	}, actor)
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	require.NoError(t, eng.Retry(ctx, txn.ID, actor))
	assert.Equal(t, domain.TransactionStatusPending, testutil.GetTransactionStatus(t, db, txn.ID))

	require.NoError(t, eng.Hold(ctx, txn.ID, actor))
	assert.Equal(t, domain.TransactionStatusOnHold, testutil.GetTransactionStatus(t, db, txn.ID))

	// On hold means not settleable.
	require.ErrorIs(t, eng.Settle(ctx, txn.ID, actor), domain.ErrStateConflict)

	require.NoError(t, eng.Release(ctx, txn.ID, actor))

	// Funds arrived while the transaction sat in review.
	_, err = db.Exec(`UPDATE accounts SET balance = 1000 WHERE id = $1`, acct.ID)
	require.NoError(t, err)

	require.NoError(t, eng.Settle(ctx, txn.ID, actor))
	assert.Equal(t, domain.TransactionStatusCompleted, testutil.GetTransactionStatus(t, db, txn.ID))
	assert.True(t, testutil.GetAccountBalance(t, db, acct.ID).Equal(amt("498.50")))
}

func TestCreate_FrozenAccountFailsFast(t *testing.T) {
	db := testutil.SetupTestDB(t)
	eng := setupEngine(t, db)
	ctx := context.Background()

	acct := testutil.SeedAccount(t, db, uuid.New(), "USD", "1000")
	testutil.SetAccountStatus(t, db, acct.ID, domain.AccountStatusFrozen)

	_, err := eng.Create(ctx, engine.CreateRequest{
		Type:            domain.TransactionTypeWithdrawal,
		Amount:          amt("100"),
		Currency:        "USD",
		SourceAccountID: &acct.ID,
	}, uuid.New())
	require.ErrorIs(t, err, domain.ErrAccountFrozen)
}
