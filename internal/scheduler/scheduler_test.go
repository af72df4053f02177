package scheduler_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tevinmoran/corebank/internal/approval"
	"github.com/tevinmoran/corebank/internal/config"
	"github.com/tevinmoran/corebank/internal/domain"
	"github.com/tevinmoran/corebank/internal/engine"
	"github.com/tevinmoran/corebank/internal/ledger"
	"github.com/tevinmoran/corebank/internal/metrics"
	"github.com/tevinmoran/corebank/internal/repository"
	"github.com/tevinmoran/corebank/internal/scheduler"
	"github.com/tevinmoran/corebank/internal/testutil"
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
		MaxActiveSchedules:  2,
		SweepBatch:          100,
		SchedulerBatch:      100,
	}
}

func setupScheduler(t *testing.T, db *sql.DB) *scheduler.Scheduler {
	t.Helper()

	cfg := testConfig()
	m := metrics.New(prometheus.NewRegistry())

	transactions := repository.NewTransactionRepository(db)
	accounts := repository.NewAccountRepository(db)
	approvals := repository.NewApprovalRepository(db)
	events := repository.NewEventRepository(db)
	entries := repository.NewLedgerRepository(db)
	approvers := repository.NewApproverRepository(db)
	schedules := repository.NewScheduleRepository(db)

	mutator := ledger.NewMutator(accounts, entries)
	dispatcher := engine.NewDispatcher()

	eng := engine.NewEngine(transactions, accounts, approvals, events, mutator,
		nil, dispatcher, db, cfg, m)
	workflow := approval.NewWorkflow(transactions, approvals, events, approvers,
		eng, dispatcher, db, cfg, m)
	eng.SetWorkflows(workflow)

	return scheduler.NewScheduler(schedules, transactions, eng, db, cfg, m)
}

func makeDue(t *testing.T, db *sql.DB, scheduleID uuid.UUID) {
	t.Helper()
	_, err := db.Exec(
		`UPDATE scheduled_transactions SET next_execution = $1 WHERE id = $2`,
		time.Now().UTC().Add(-time.Minute), scheduleID,
	)
	require.NoError(t, err)
}

func getSchedule(t *testing.T, db *sql.DB, id uuid.UUID) *domain.ScheduledTransaction {
	t.Helper()
	s, err := repository.NewScheduleRepository(db).GetByID(context.Background(), id)
	require.NoError(t, err)
	return s
}

// countInstances counts the transactions spawned from schedules, which
// excludes the on-hold templates.
func countInstances(t *testing.T, db *sql.DB) int {
	t.Helper()
	var count int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM transactions WHERE type = 'scheduled' AND status <> 'on_hold'`,
	).Scan(&count)
	require.NoError(t, err)
	return count
}

func TestCreateSchedule(t *testing.T) {
	db := testutil.SetupTestDB(t)
	sched := setupScheduler(t, db)
	ctx := context.Background()
	user := uuid.New()

	source := testutil.SeedAccount(t, db, user, "USD", "10000")
	target := testutil.SeedAccount(t, db, uuid.New(), "USD", "0")

	s, err := sched.CreateSchedule(ctx, scheduler.CreateScheduleRequest{
		Amount:          amt("100"),
		Currency:        "USD",
		SourceAccountID: &source.ID,
		TargetAccountID: &target.ID,
		Frequency:       domain.FrequencyMonthly,
		StartAt:         time.Now().UTC().Add(time.Hour),
	}, user)

	require.NoError(t, err)
	assert.True(t, s.IsActive)
	assert.Zero(t, s.ExecutionCount)

	// The template is parked, not settled.
	assert.Equal(t, domain.TransactionStatusOnHold, testutil.GetTransactionStatus(t, db, s.TransactionID))
	assert.True(t, testutil.GetAccountBalance(t, db, source.ID).Equal(amt("10000")))
}

func TestCreateSchedule_Validation(t *testing.T) {
	db := testutil.SetupTestDB(t)
	sched := setupScheduler(t, db)
	ctx := context.Background()
	user := uuid.New()

	source := testutil.SeedAccount(t, db, user, "USD", "10000")
	target := testutil.SeedAccount(t, db, uuid.New(), "USD", "0")

	base := scheduler.CreateScheduleRequest{
		Amount:          amt("100"),
		Currency:        "USD",
		SourceAccountID: &source.ID,
		TargetAccountID: &target.ID,
		Frequency:       domain.FrequencyWeekly,
		StartAt:         time.Now().UTC().Add(time.Hour),
	}

	bad := base
	bad.Frequency = "fortnightly"
	_, err := sched.CreateSchedule(ctx, bad, user)
	require.ErrorIs(t, err, domain.ErrScheduling)

	bad = base
	bad.StartAt = time.Now().UTC().Add(-time.Hour)
	_, err = sched.CreateSchedule(ctx, bad, user)
	require.ErrorIs(t, err, domain.ErrScheduling)

	bad = base
	zero := 0
	bad.MaxExecutions = &zero
	_, err = sched.CreateSchedule(ctx, bad, user)
	require.ErrorIs(t, err, domain.ErrScheduling)

	bad = base
	bad.TargetAccountID = &source.ID
	_, err = sched.CreateSchedule(ctx, bad, user)
	require.ErrorIs(t, err, domain.ErrSelfTransfer)
}

func TestCreateSchedule_Quota(t *testing.T) {
	db := testutil.SetupTestDB(t)
	sched := setupScheduler(t, db)
	ctx := context.Background()
	user := uuid.New()

	source := testutil.SeedAccount(t, db, user, "USD", "10000")
	target := testutil.SeedAccount(t, db, uuid.New(), "USD", "0")

	req := scheduler.CreateScheduleRequest{
		Amount:          amt("100"),
		Currency:        "USD",
		SourceAccountID: &source.ID,
		TargetAccountID: &target.ID,
		Frequency:       domain.FrequencyMonthly,
		StartAt:         time.Now().UTC().Add(time.Hour),
	}

	// MaxActiveSchedules is 2 in the test config.
	first, err := sched.CreateSchedule(ctx, req, user)
	require.NoError(t, err)
	_, err = sched.CreateSchedule(ctx, req, user)
	require.NoError(t, err)

	_, err = sched.CreateSchedule(ctx, req, user)
	require.ErrorIs(t, err, domain.ErrScheduleQuota)

	// Cancelling frees a slot.
	require.NoError(t, sched.CancelSchedule(ctx, first.ID))
	_, err = sched.CreateSchedule(ctx, req, user)
	require.NoError(t, err)
}

func TestProcessDue_ExecutesAndAdvances(t *testing.T) {
	db := testutil.SetupTestDB(t)
	sched := setupScheduler(t, db)
	ctx := context.Background()
	user := uuid.New()

	source := testutil.SeedAccount(t, db, user, "USD", "10000")
	target := testutil.SeedAccount(t, db, uuid.New(), "USD", "0")

	s, err := sched.CreateSchedule(ctx, scheduler.CreateScheduleRequest{
		Amount:          amt("1000"),
		Currency:        "USD",
		SourceAccountID: &source.ID,
		TargetAccountID: &target.ID,
		Frequency:       domain.FrequencyMonthly,
		StartAt:         time.Now().UTC().Add(time.Hour),
	}, user)
	require.NoError(t, err)
	makeDue(t, db, s.ID)

	require.NoError(t, sched.ProcessDue(ctx))

	after := getSchedule(t, db, s.ID)
	assert.Equal(t, 1, after.ExecutionCount)
	assert.Zero(t, after.FailureCount)
	assert.True(t, after.IsActive)
	assert.True(t, after.NextExecution.After(time.Now()))

	// Scheduled fee 0.0025 * 1000 = 2.50 charged on top.
	assert.True(t, testutil.GetAccountBalance(t, db, source.ID).Equal(amt("8997.50")))
	assert.True(t, testutil.GetAccountBalance(t, db, target.ID).Equal(amt("1000")))
	assert.Equal(t, 1, countInstances(t, db))
}

func TestProcessDue_MaxExecutionsDeactivates(t *testing.T) {
	db := testutil.SetupTestDB(t)
	sched := setupScheduler(t, db)
	ctx := context.Background()
	user := uuid.New()

	source := testutil.SeedAccount(t, db, user, "USD", "10000")
	target := testutil.SeedAccount(t, db, uuid.New(), "USD", "0")

	one := 1
	s, err := sched.CreateSchedule(ctx, scheduler.CreateScheduleRequest{
		Amount:          amt("100"),
		Currency:        "USD",
		SourceAccountID: &source.ID,
		TargetAccountID: &target.ID,
		Frequency:       domain.FrequencyDaily,
		StartAt:         time.Now().UTC().Add(time.Hour),
		MaxExecutions:   &one,
	}, user)
	require.NoError(t, err)
	makeDue(t, db, s.ID)

	require.NoError(t, sched.ProcessDue(ctx))

	after := getSchedule(t, db, s.ID)
	assert.Equal(t, 1, after.ExecutionCount)
	assert.False(t, after.IsActive)

	// A further pass finds nothing to do.
	require.NoError(t, sched.ProcessDue(ctx))
	assert.Equal(t, 1, countInstances(t, db))
}

func TestProcessDue_FailureBackoffAndDeactivation(t *testing.T) {
	db := testutil.SetupTestDB(t)
	sched := setupScheduler(t, db)
	ctx := context.Background()
	user := uuid.New()

	// Source cannot cover the amount, so every execution fails.
	source := testutil.SeedAccount(t, db, user, "USD", "10")
	target := testutil.SeedAccount(t, db, uuid.New(), "USD", "0")

	s, err := sched.CreateSchedule(ctx, scheduler.CreateScheduleRequest{
		Amount:          amt("1000"),
		Currency:        "USD",
		SourceAccountID: &source.ID,
		TargetAccountID: &target.ID,
		Frequency:       domain.FrequencyDaily,
		StartAt:         time.Now().UTC().Add(time.Hour),
	}, user)
	require.NoError(t, err)

	makeDue(t, db, s.ID)
	require.NoError(t, sched.ProcessDue(ctx))

	after := getSchedule(t, db, s.ID)
	assert.Equal(t, 1, after.FailureCount)
	assert.True(t, after.IsActive)
	require.NotNil(t, after.LastError)
	// First retry lands about an hour out.
	assert.WithinDuration(t, time.Now().Add(time.Hour), after.NextExecution, 5*time.Minute)

	makeDue(t, db, s.ID)
	require.NoError(t, sched.ProcessDue(ctx))
	after = getSchedule(t, db, s.ID)
	assert.Equal(t, 2, after.FailureCount)
	assert.True(t, after.IsActive)
	assert.WithinDuration(t, time.Now().Add(6*time.Hour), after.NextExecution, 5*time.Minute)

	makeDue(t, db, s.ID)
	require.NoError(t, sched.ProcessDue(ctx))
	after = getSchedule(t, db, s.ID)
	assert.Equal(t, 3, after.FailureCount)
	assert.False(t, after.IsActive, "third consecutive failure deactivates the schedule")

	assert.True(t, testutil.GetAccountBalance(t, db, source.ID).Equal(amt("10")))
}

func TestProcessDue_ConcurrentWorkersExecuteOnce(t *testing.T) {
	db := testutil.SetupTestDB(t)
	sched := setupScheduler(t, db)
	ctx := context.Background()
	user := uuid.New()

	source := testutil.SeedAccount(t, db, user, "USD", "10000")
	target := testutil.SeedAccount(t, db, uuid.New(), "USD", "0")

	s, err := sched.CreateSchedule(ctx, scheduler.CreateScheduleRequest{
		Amount:          amt("500"),
		Currency:        "USD",
		SourceAccountID: &source.ID,
		TargetAccountID: &target.ID,
		Frequency:       domain.FrequencyWeekly,
		StartAt:         time.Now().UTC().Add(time.Hour),
	}, user)
	require.NoError(t, err)
	makeDue(t, db, s.ID)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = sched.ProcessDue(ctx)
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	after := getSchedule(t, db, s.ID)
	assert.Equal(t, 1, after.ExecutionCount)
	assert.Equal(t, 1, countInstances(t, db))
	assert.True(t, testutil.GetAccountBalance(t, db, target.ID).Equal(amt("500")))
}

func TestProcessDue_RoutesLargeInstanceToApproval(t *testing.T) {
	db := testutil.SetupTestDB(t)
	sched := setupScheduler(t, db)
	ctx := context.Background()
	user := uuid.New()

	testutil.SeedApproverBench(t, db)
	source := testutil.SeedAccount(t, db, user, "USD", "50000")
	target := testutil.SeedAccount(t, db, uuid.New(), "USD", "0")

	s, err := sched.CreateSchedule(ctx, scheduler.CreateScheduleRequest{
		Amount:          amt("20000"),
		Currency:        "USD",
		SourceAccountID: &source.ID,
		TargetAccountID: &target.ID,
		Frequency:       domain.FrequencyMonthly,
		StartAt:         time.Now().UTC().Add(time.Hour),
	}, user)
	require.NoError(t, err)
	makeDue(t, db, s.ID)

	require.NoError(t, sched.ProcessDue(ctx))

	// Routed to approval counts as a successful execution; no balances move
	// until the workflow resolves.
	after := getSchedule(t, db, s.ID)
	assert.Equal(t, 1, after.ExecutionCount)
	assert.Zero(t, after.FailureCount)
	assert.True(t, testutil.GetAccountBalance(t, db, source.ID).Equal(amt("50000")))

	var status domain.TransactionStatus
	require.NoError(t, db.QueryRow(
		`SELECT status FROM transactions WHERE type = 'scheduled' AND status <> 'on_hold'`,
	).Scan(&status))
	assert.Equal(t, domain.TransactionStatusPendingApproval, status)
}
