package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tevinmoran/corebank/internal/domain"
)

type CreateScheduleRequest struct {
	Amount          decimal.Decimal
	Currency        string
	SourceAccountID *uuid.UUID
	TargetAccountID *uuid.UUID
	Frequency       domain.Frequency
	StartAt         time.Time
	MaxExecutions   *int
}

// CreateSchedule validates the plan, stores a template transaction for it
// and activates the schedule. The template is parked in on_hold and is never
// settled itself; executions copy it into fresh transactions.
func (s *Scheduler) CreateSchedule(ctx context.Context, req CreateScheduleRequest, actor uuid.UUID) (*domain.ScheduledTransaction, error) {
	if err := validateSchedule(req); err != nil {
		return nil, fmt.Errorf("CreateSchedule: %w", err)
	}

	active, err := s.schedules.CountActiveByUser(ctx, actor)
	if err != nil {
		return nil, fmt.Errorf("CreateSchedule: %w", err)
	}
	if active >= s.cfg.MaxActiveSchedules {
		return nil, fmt.Errorf("CreateSchedule: %d active schedules: %w", active, domain.ErrScheduleQuota)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("CreateSchedule: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	meta, _ := json.Marshal(map[string]any{"template": true})

	template := &domain.Transaction{
		ID:              uuid.New(),
		Type:            domain.TransactionTypeScheduled,
		Status:          domain.TransactionStatusOnHold,
		Amount:          req.Amount,
		Currency:        req.Currency,
		SourceAccountID: req.SourceAccountID,
		TargetAccountID: req.TargetAccountID,
		Fee:             decimal.Zero,
		InitiatorID:     actor,
		Metadata:        meta,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.transactions.Create(ctx, tx, template); err != nil {
		return nil, fmt.Errorf("CreateSchedule: %w", err)
	}

	sched := &domain.ScheduledTransaction{
		ID:            uuid.New(),
		TransactionID: template.ID,
		Frequency:     req.Frequency,
		NextExecution: req.StartAt.UTC(),
		MaxExecutions: req.MaxExecutions,
		IsActive:      true,
		CreatedBy:     actor,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.schedules.Create(ctx, tx, sched); err != nil {
		return nil, fmt.Errorf("CreateSchedule: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("CreateSchedule: commit: %w", err)
	}
	return sched, nil
}

func (s *Scheduler) GetSchedule(ctx context.Context, id uuid.UUID) (*domain.ScheduledTransaction, error) {
	sched, err := s.schedules.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("GetSchedule: %w", err)
	}
	return sched, nil
}

// CancelSchedule deactivates a schedule. Already-spawned transactions are
// untouched; they run their own lifecycle.
func (s *Scheduler) CancelSchedule(ctx context.Context, id uuid.UUID) error {
	if _, err := s.schedules.GetByID(ctx, id); err != nil {
		return fmt.Errorf("CancelSchedule: %w", err)
	}
	if err := s.schedules.Deactivate(ctx, id); err != nil {
		return fmt.Errorf("CancelSchedule: %w", err)
	}
	return nil
}

func validateSchedule(req CreateScheduleRequest) error {
	if !req.Frequency.Valid() {
		return fmt.Errorf("frequency %q: %w", req.Frequency, domain.ErrScheduling)
	}
	if req.StartAt.Before(time.Now().UTC()) {
		return fmt.Errorf("start in the past: %w", domain.ErrScheduling)
	}
	if req.MaxExecutions != nil && *req.MaxExecutions < 1 {
		return fmt.Errorf("max executions %d: %w", *req.MaxExecutions, domain.ErrScheduling)
	}

	if req.Amount.LessThan(domain.MinTransactionAmount) || req.Amount.GreaterThan(domain.MaxTransactionAmount) {
		return fmt.Errorf("amount %s: %w", req.Amount, domain.ErrInvalidAmount)
	}
	if !domain.ValidCurrency(req.Currency) {
		return fmt.Errorf("currency %q: %w", req.Currency, domain.ErrInvalidCurrency)
	}
	if req.SourceAccountID == nil || req.TargetAccountID == nil {
		return fmt.Errorf("schedule requires source and target accounts: %w", domain.ErrInvalidTransaction)
	}
	if *req.SourceAccountID == *req.TargetAccountID {
		return domain.ErrSelfTransfer
	}

	return nil
}
