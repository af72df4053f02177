// Package scheduler executes recurring transactions. A polling worker claims
// due schedules with row locks, advances them before executing so an
// instance can never run twice, and applies a fixed retry backoff to
// failures.
package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tevinmoran/corebank/internal/config"
	"github.com/tevinmoran/corebank/internal/domain"
	"github.com/tevinmoran/corebank/internal/engine"
	"github.com/tevinmoran/corebank/internal/logging"
	"github.com/tevinmoran/corebank/internal/metrics"
)

type scheduleRepo interface {
	Create(ctx context.Context, tx *sql.Tx, s *domain.ScheduledTransaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.ScheduledTransaction, error)
	ClaimDue(ctx context.Context, tx *sql.Tx, now time.Time, limit int) ([]domain.ScheduledTransaction, error)
	Advance(ctx context.Context, tx *sql.Tx, id uuid.UUID, executionCount int, nextExecution time.Time, isActive bool) error
	RecordFailure(ctx context.Context, id uuid.UUID, failureCount int, nextExecution time.Time, isActive bool, lastError string) error
	ResetFailures(ctx context.Context, id uuid.UUID) error
	Deactivate(ctx context.Context, id uuid.UUID) error
	CountActiveByUser(ctx context.Context, userID uuid.UUID) (int, error)
}

type transactionRepo interface {
	Create(ctx context.Context, tx *sql.Tx, t *domain.Transaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
}

// transactionCreator is the engine's creation pipeline; every due tick goes
// through it so scheduled instances get the same validation, fee and
// approval routing as manual transactions.
type transactionCreator interface {
	Create(ctx context.Context, req engine.CreateRequest, actor uuid.UUID) (*domain.Transaction, error)
}

type Scheduler struct {
	db           *sql.DB
	schedules    scheduleRepo
	transactions transactionRepo
	engine       transactionCreator
	cfg          *config.Config
	metrics      *metrics.Set
}

func NewScheduler(
	schedules scheduleRepo,
	transactions transactionRepo,
	eng transactionCreator,
	db *sql.DB,
	cfg *config.Config,
	m *metrics.Set,
) *Scheduler {
	return &Scheduler{
		db:           db,
		schedules:    schedules,
		transactions: transactions,
		engine:       eng,
		cfg:          cfg,
		metrics:      m,
	}
}

// Run polls for due schedules until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	log := logging.FromContext(ctx)
	log.Info("scheduler started", "interval", s.cfg.SchedulerInterval)

	ticker := time.NewTicker(s.cfg.SchedulerInterval)
	defer ticker.Stop()

	for {
		if err := s.ProcessDue(ctx); err != nil {
			log.Error("scheduler pass failed", "error", err)
		}

		select {
		case <-ctx.Done():
			log.Info("scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// ProcessDue claims a batch of due schedules, advances each one and then
// executes the claimed instances. The advance commits before any execution
// starts: a crash after the commit skips at most one instance, it never
// replays one. FOR UPDATE SKIP LOCKED on the claim keeps concurrent workers
// off each other's batches.
func (s *Scheduler) ProcessDue(ctx context.Context) error {
	s.metrics.SchedulerRuns.Inc()

	claimed, err := s.claimAndAdvance(ctx)
	if err != nil {
		return fmt.Errorf("ProcessDue: %w", err)
	}

	log := logging.FromContext(ctx)
	for _, sched := range claimed {
		outcome := s.execute(ctx, sched)
		s.metrics.SchedulerResults.WithLabelValues(outcome).Inc()
		log.Info("scheduled execution finished",
			"schedule_id", sched.ID,
			"execution", sched.ExecutionCount+1,
			"outcome", outcome,
		)
	}

	return nil
}

func (s *Scheduler) claimAndAdvance(ctx context.Context) ([]domain.ScheduledTransaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claimAndAdvance: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	claimed, err := s.schedules.ClaimDue(ctx, tx, now, s.cfg.SchedulerBatch)
	if err != nil {
		return nil, fmt.Errorf("claimAndAdvance: %w", err)
	}

	for i := range claimed {
		sched := &claimed[i]
		count := sched.ExecutionCount + 1
		next := sched.Frequency.Next(sched.NextExecution)

		// A schedule that fell behind (downtime, retry backoff) fires once
		// now and resumes its cadence in the future instead of burst-firing
		// every missed instance.
		for !next.After(now) {
			next = sched.Frequency.Next(next)
		}

		exhausted := sched.MaxExecutions != nil && count >= *sched.MaxExecutions
		if err := s.schedules.Advance(ctx, tx, sched.ID, count, next, !exhausted); err != nil {
			return nil, fmt.Errorf("claimAndAdvance: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claimAndAdvance: commit: %w", err)
	}
	return claimed, nil
}

// execute spawns one transaction from the schedule's template and reports
// the outcome label. Routing to approval counts as success: the schedule
// did its job, the money is now the workflow's problem.
func (s *Scheduler) execute(ctx context.Context, sched domain.ScheduledTransaction) string {
	template, err := s.transactions.GetByID(ctx, sched.TransactionID)
	if err != nil {
		s.recordFailure(ctx, sched, fmt.Errorf("load template: %w", err))
		return "failed"
	}

	payload, _ := json.Marshal(map[string]any{
		"schedule_id": sched.ID,
		"execution":   sched.ExecutionCount + 1,
	})

	txn, err := s.engine.Create(ctx, engine.CreateRequest{
		Type:            domain.TransactionTypeScheduled,
		Amount:          template.Amount,
		Currency:        template.Currency,
		SourceAccountID: template.SourceAccountID,
		TargetAccountID: template.TargetAccountID,
		Metadata:        payload,
	}, sched.CreatedBy)
	if err != nil {
		s.recordFailure(ctx, sched, err)
		return "failed"
	}

	if rerr := s.schedules.ResetFailures(ctx, sched.ID); rerr != nil {
		logging.FromContext(ctx).Error("schedule failure reset failed",
			"schedule_id", sched.ID, "error", rerr,
		)
	}

	if txn.Status == domain.TransactionStatusPendingApproval {
		return "pending_approval"
	}
	return "completed"
}

// recordFailure applies the backoff ladder, deactivating the schedule once
// it hits the consecutive-failure bound.
func (s *Scheduler) recordFailure(ctx context.Context, sched domain.ScheduledTransaction, cause error) {
	failures := sched.FailureCount + 1
	exhausted := sched.MaxExecutions != nil && sched.ExecutionCount+1 >= *sched.MaxExecutions
	active := failures < domain.MaxConsecutiveFailures && !exhausted
	next := time.Now().UTC().Add(domain.RetryDelay(failures))

	if err := s.schedules.RecordFailure(ctx, sched.ID, failures, next, active, cause.Error()); err != nil {
		logging.FromContext(ctx).Error("schedule failure not recorded",
			"schedule_id", sched.ID, "error", err,
		)
		return
	}

	if !active {
		logging.FromContext(ctx).Warn("schedule deactivated after repeated failures",
			"schedule_id", sched.ID,
			"failures", failures,
			"error", cause,
		)
	}
}
