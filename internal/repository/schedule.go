package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tevinmoran/corebank/internal/domain"
)

const scheduleColumns = `id, transaction_id, frequency, next_execution,
	execution_count, max_executions, failure_count, last_error, is_active,
	created_by, created_at, updated_at`

type ScheduleRepository struct {
	db *sql.DB
}

func NewScheduleRepository(db *sql.DB) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

func (r *ScheduleRepository) Create(ctx context.Context, tx *sql.Tx, s *domain.ScheduledTransaction) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO scheduled_transactions (
			id, transaction_id, frequency, next_execution,
			execution_count, max_executions, failure_count, last_error, is_active,
			created_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		s.ID, s.TransactionID, s.Frequency, s.NextExecution,
		s.ExecutionCount, s.MaxExecutions, s.FailureCount, s.LastError, s.IsActive,
		s.CreatedBy, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (r *ScheduleRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.ScheduledTransaction, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM scheduled_transactions WHERE id = $1`, id,
	)
	s, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByID: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByID: %w", err)
	}
	return s, nil
}

// ClaimDue locks up to limit due, active schedules for this worker.
// FOR UPDATE SKIP LOCKED keeps concurrent workers off the same rows.
func (r *ScheduleRepository) ClaimDue(ctx context.Context, tx *sql.Tx, now time.Time, limit int) ([]domain.ScheduledTransaction, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM scheduled_transactions
		WHERE is_active = true AND next_execution <= $1
		ORDER BY next_execution
		LIMIT $2
		FOR UPDATE SKIP LOCKED`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ClaimDue: %w", err)
	}
	defer rows.Close()

	var schedules []domain.ScheduledTransaction
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("ClaimDue: scan: %w", err)
		}
		schedules = append(schedules, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ClaimDue: rows: %w", err)
	}
	return schedules, nil
}

// Advance records an execution attempt: bumps the count, moves
// next_execution forward and deactivates exhausted schedules. Committed
// before the attempt runs so a crash cannot double-execute the instance.
func (r *ScheduleRepository) Advance(ctx context.Context, tx *sql.Tx, id uuid.UUID, executionCount int, nextExecution time.Time, isActive bool) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE scheduled_transactions
		SET execution_count = $1, next_execution = $2, is_active = $3, updated_at = now()
		WHERE id = $4`,
		executionCount, nextExecution, isActive, id,
	)
	if err != nil {
		return fmt.Errorf("Advance: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("Advance: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("Advance: %w", domain.ErrNotFound)
	}
	return nil
}

// RecordFailure applies the retry backoff (or deactivation) after a failed
// execution attempt.
func (r *ScheduleRepository) RecordFailure(ctx context.Context, id uuid.UUID, failureCount int, nextExecution time.Time, isActive bool, lastError string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE scheduled_transactions
		SET failure_count = $1, next_execution = $2, is_active = $3, last_error = $4, updated_at = now()
		WHERE id = $5`,
		failureCount, nextExecution, isActive, lastError, id,
	)
	if err != nil {
		return fmt.Errorf("RecordFailure: %w", err)
	}
	return nil
}

func (r *ScheduleRepository) ResetFailures(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE scheduled_transactions
		SET failure_count = 0, last_error = NULL, updated_at = now()
		WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("ResetFailures: %w", err)
	}
	return nil
}

func (r *ScheduleRepository) Deactivate(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE scheduled_transactions SET is_active = false, updated_at = now() WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("Deactivate: %w", err)
	}
	return nil
}

func (r *ScheduleRepository) CountActiveByUser(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scheduled_transactions WHERE created_by = $1 AND is_active = true`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("CountActiveByUser: %w", err)
	}
	return count, nil
}

func scanSchedule(s scanner) (*domain.ScheduledTransaction, error) {
	var sched domain.ScheduledTransaction
	var maxExecutions sql.NullInt64

	err := s.Scan(
		&sched.ID, &sched.TransactionID, &sched.Frequency, &sched.NextExecution,
		&sched.ExecutionCount, &maxExecutions, &sched.FailureCount, &sched.LastError, &sched.IsActive,
		&sched.CreatedBy, &sched.CreatedAt, &sched.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if maxExecutions.Valid {
		m := int(maxExecutions.Int64)
		sched.MaxExecutions = &m
	}

	return &sched, nil
}
