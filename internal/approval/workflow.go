// Package approval is the multi-level approval workflow engine. It decides
// which levels a transaction needs, tracks one approval record per level,
// and settles the transaction the moment the final approval lands.
package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tevinmoran/corebank/internal/config"
	"github.com/tevinmoran/corebank/internal/domain"
	"github.com/tevinmoran/corebank/internal/metrics"
)

type transactionRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Transaction, error)
	UpdateStatus(ctx context.Context, tx *sql.Tx, id uuid.UUID, status domain.TransactionStatus, failureReason *string, completedAt *time.Time) error
	SetApprover(ctx context.Context, tx *sql.Tx, id, approverID uuid.UUID) error
	MergeMetadata(ctx context.Context, tx *sql.Tx, id uuid.UUID, fields map[string]any) error
}

type approvalRepo interface {
	Create(ctx context.Context, tx *sql.Tx, a *domain.Approval) error
	CreateBatch(ctx context.Context, tx *sql.Tx, approvals []*domain.Approval) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Approval, error)
	GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Approval, error)
	GetPendingForApprover(ctx context.Context, tx *sql.Tx, transactionID, approverID uuid.UUID) (*domain.Approval, error)
	CountPending(ctx context.Context, tx *sql.Tx, transactionID uuid.UUID) (int, error)
	MarkStatus(ctx context.Context, tx *sql.Tx, id uuid.UUID, status domain.ApprovalStatus, notes *string) error
	CancelPending(ctx context.Context, tx *sql.Tx, transactionID uuid.UUID) (int, error)
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]domain.Approval, error)
}

type eventRepo interface {
	Create(ctx context.Context, tx *sql.Tx, e *domain.TransactionEvent) error
}

// ApproverDirectory resolves the person who will hold an approval at a
// given level. Lookups run on the caller's database transaction so any
// directory-side bookkeeping rolls back with an abandoned workflow.
// Implementations must return domain.ErrNotFound when no eligible approver
// exists.
type ApproverDirectory interface {
	FindEligible(ctx context.Context, tx *sql.Tx, level domain.ApprovalLevel, txn *domain.Transaction) (*domain.Approver, error)
}

// settler is the engine's atomic settlement entry point, invoked under the
// transaction row lock when the last approval resolves.
type settler interface {
	SettleInTx(ctx context.Context, tx *sql.Tx, txn *domain.Transaction, actor uuid.UUID) ([]domain.TransactionEvent, error)
}

type dispatcher interface {
	Dispatch(ctx context.Context, events ...domain.TransactionEvent)
}

type Workflow struct {
	db           *sql.DB
	transactions transactionRepo
	approvals    approvalRepo
	events       eventRepo
	directory    ApproverDirectory
	settler      settler
	dispatcher   dispatcher
	cfg          *config.Config
	metrics      *metrics.Set
}

func NewWorkflow(
	transactions transactionRepo,
	approvals approvalRepo,
	events eventRepo,
	directory ApproverDirectory,
	settler settler,
	dispatcher dispatcher,
	db *sql.DB,
	cfg *config.Config,
	m *metrics.Set,
) *Workflow {
	return &Workflow{
		db:           db,
		transactions: transactions,
		approvals:    approvals,
		events:       events,
		directory:    directory,
		settler:      settler,
		dispatcher:   dispatcher,
		cfg:          cfg,
		metrics:      m,
	}
}

// Start creates the full approval set for the transaction inside the
// caller's database transaction and moves it to pending_approval. If any
// required level cannot be staffed the whole workflow is abandoned: no
// partial approval sets are ever committed.
func (w *Workflow) Start(ctx context.Context, tx *sql.Tx, txn *domain.Transaction) error {
	levels := domain.RequiredLevels(txn.Amount, txn.HighRisk, txn.CrossCurrency)
	now := time.Now().UTC()

	approvals := make([]*domain.Approval, 0, len(levels))
	for _, level := range levels {
		approver, err := w.directory.FindEligible(ctx, tx, level, txn)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("Start: level %s: %w", level, domain.ErrNoApproverAvailable)
			}
			return fmt.Errorf("Start: level %s: %w", level, err)
		}

		approvals = append(approvals, &domain.Approval{
			ID:            uuid.New(),
			TransactionID: txn.ID,
			ApproverID:    approver.ID,
			Level:         level,
			Status:        domain.ApprovalStatusPending,
			DueAt:         now.Add(level.Timeout(txn.HighRisk)),
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}

	if err := w.approvals.CreateBatch(ctx, tx, approvals); err != nil {
		return fmt.Errorf("Start: %w", err)
	}
	if err := w.transactions.UpdateStatus(ctx, tx, txn.ID, domain.TransactionStatusPendingApproval, nil, nil); err != nil {
		return fmt.Errorf("Start: %w", err)
	}

	return nil
}

// Approve records an approver's decision. When it is the last outstanding
// approval the transaction transitions to approved and settles inside the
// same database transaction, so two approvers racing on the final two
// levels can never both trigger settlement.
func (w *Workflow) Approve(ctx context.Context, transactionID, approverID uuid.UUID, notes string) (*domain.Transaction, error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("Approve: begin tx: %w", err)
	}
	defer tx.Rollback()

	txn, err := w.transactions.GetForUpdate(ctx, tx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("Approve: %w", err)
	}
	if txn.Status != domain.TransactionStatusPendingApproval {
		return nil, fmt.Errorf("Approve: status %s: %w", txn.Status, domain.ErrStateConflict)
	}

	ap, err := w.approvals.GetPendingForApprover(ctx, tx, transactionID, approverID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("Approve: %w", domain.ErrNoPendingApproval)
		}
		return nil, fmt.Errorf("Approve: %w", err)
	}
	if time.Now().UTC().After(ap.DueAt) {
		// Past due: the overdue sweep owns this approval now.
		return nil, fmt.Errorf("Approve: %w", domain.ErrApprovalOverdue)
	}

	if err := w.approvals.MarkStatus(ctx, tx, ap.ID, domain.ApprovalStatusApproved, optional(notes)); err != nil {
		return nil, fmt.Errorf("Approve: %w", err)
	}

	var pending []domain.TransactionEvent
	approvedEvent, err := w.writeEvent(ctx, tx, txn.ID, domain.EventTypeApproved, userTag(approverID), map[string]any{
		"level": ap.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("Approve: %w", err)
	}
	pending = append(pending, approvedEvent)

	remaining, err := w.approvals.CountPending(ctx, tx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("Approve: %w", err)
	}

	var settleErr error
	if remaining == 0 {
		if err := w.transactions.UpdateStatus(ctx, tx, txn.ID, domain.TransactionStatusApproved, nil, nil); err != nil {
			return nil, fmt.Errorf("Approve: %w", err)
		}
		if err := w.transactions.SetApprover(ctx, tx, txn.ID, approverID); err != nil {
			return nil, fmt.Errorf("Approve: %w", err)
		}
		txn.Status = domain.TransactionStatusApproved
		txn.ApproverID = &approverID

		var settleEvents []domain.TransactionEvent
		settleEvents, settleErr = w.settler.SettleInTx(ctx, tx, txn, approverID)
		if settleErr != nil && !domain.IsSettlementFailure(settleErr) {
			return nil, fmt.Errorf("Approve: %w", settleErr)
		}
		pending = append(pending, settleEvents...)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("Approve: commit: %w", err)
	}
	w.dispatcher.Dispatch(ctx, pending...)

	if settleErr != nil {
		return txn, fmt.Errorf("Approve: settlement: %w", settleErr)
	}
	return txn, nil
}

// Reject terminates the workflow: the approval is marked rejected, every
// pending sibling is cancelled and the transaction lands in rejected, all
// in one atomic step.
func (w *Workflow) Reject(ctx context.Context, transactionID, approverID uuid.UUID, notes string) (*domain.Transaction, error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("Reject: begin tx: %w", err)
	}
	defer tx.Rollback()

	txn, err := w.transactions.GetForUpdate(ctx, tx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("Reject: %w", err)
	}
	if txn.Status != domain.TransactionStatusPendingApproval {
		return nil, fmt.Errorf("Reject: status %s: %w", txn.Status, domain.ErrStateConflict)
	}

	ap, err := w.approvals.GetPendingForApprover(ctx, tx, transactionID, approverID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("Reject: %w", domain.ErrNoPendingApproval)
		}
		return nil, fmt.Errorf("Reject: %w", err)
	}

	if err := w.approvals.MarkStatus(ctx, tx, ap.ID, domain.ApprovalStatusRejected, optional(notes)); err != nil {
		return nil, fmt.Errorf("Reject: %w", err)
	}
	if _, err := w.approvals.CancelPending(ctx, tx, transactionID); err != nil {
		return nil, fmt.Errorf("Reject: %w", err)
	}

	if err := w.transactions.UpdateStatus(ctx, tx, txn.ID, domain.TransactionStatusRejected, optional(notes), nil); err != nil {
		return nil, fmt.Errorf("Reject: %w", err)
	}
	txn.Status = domain.TransactionStatusRejected

	event, err := w.writeEvent(ctx, tx, txn.ID, domain.EventTypeRejected, userTag(approverID), map[string]any{
		"level": ap.Level,
		"notes": notes,
	})
	if err != nil {
		return nil, fmt.Errorf("Reject: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("Reject: commit: %w", err)
	}
	w.dispatcher.Dispatch(ctx, event)

	return txn, nil
}

// Escalate moves a pending approval one step up its level's fixed path:
// the current record is marked escalated and a fresh pending approval is
// created at the next level with its own deadline.
func (w *Workflow) Escalate(ctx context.Context, approvalID, escalatorID uuid.UUID, notes string) (*domain.Approval, error) {
	// Resolve the owning transaction first so locks are always taken in
	// transaction-then-approval order.
	peek, err := w.approvals.GetByID(ctx, approvalID)
	if err != nil {
		return nil, fmt.Errorf("Escalate: %w", err)
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("Escalate: begin tx: %w", err)
	}
	defer tx.Rollback()

	txn, err := w.transactions.GetForUpdate(ctx, tx, peek.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("Escalate: %w", err)
	}

	ap, err := w.approvals.GetForUpdate(ctx, tx, approvalID)
	if err != nil {
		return nil, fmt.Errorf("Escalate: %w", err)
	}
	if ap.Status != domain.ApprovalStatusPending {
		return nil, fmt.Errorf("Escalate: approval %s: %w", ap.Status, domain.ErrStateConflict)
	}

	next, event, err := w.escalateLocked(ctx, tx, txn, ap, userTag(escalatorID), optional(notes))
	if err != nil {
		return nil, fmt.Errorf("Escalate: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("Escalate: commit: %w", err)
	}
	w.dispatcher.Dispatch(ctx, event)

	return next, nil
}

// escalateLocked performs the escalation under locks already held by the
// caller. It is shared by manual escalation and the overdue sweep.
func (w *Workflow) escalateLocked(ctx context.Context, tx *sql.Tx, txn *domain.Transaction, ap *domain.Approval, actor string, notes *string) (*domain.Approval, domain.TransactionEvent, error) {
	nextLevel, ok := ap.Level.EscalatesTo()
	if !ok {
		return nil, domain.TransactionEvent{}, fmt.Errorf("level %s: %w", ap.Level, domain.ErrNoEscalationPath)
	}

	approver, err := w.directory.FindEligible(ctx, tx, nextLevel, txn)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.TransactionEvent{}, fmt.Errorf("level %s: %w", nextLevel, domain.ErrNoApproverAvailable)
		}
		return nil, domain.TransactionEvent{}, err
	}

	if err := w.approvals.MarkStatus(ctx, tx, ap.ID, domain.ApprovalStatusEscalated, notes); err != nil {
		return nil, domain.TransactionEvent{}, err
	}

	now := time.Now().UTC()
	next := &domain.Approval{
		ID:            uuid.New(),
		TransactionID: ap.TransactionID,
		ApproverID:    approver.ID,
		Level:         nextLevel,
		Status:        domain.ApprovalStatusPending,
		DueAt:         now.Add(nextLevel.Timeout(txn.HighRisk)),
		EscalatedFrom: &ap.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := w.approvals.Create(ctx, tx, next); err != nil {
		return nil, domain.TransactionEvent{}, err
	}

	event, err := w.writeEvent(ctx, tx, ap.TransactionID, domain.EventTypeEscalated, actor, map[string]any{
		"from_level": ap.Level,
		"to_level":   nextLevel,
	})
	if err != nil {
		return nil, domain.TransactionEvent{}, err
	}

	return next, event, nil
}

func (w *Workflow) writeEvent(ctx context.Context, tx *sql.Tx, txnID uuid.UUID, eventType domain.EventType, actor string, payload map[string]any) (domain.TransactionEvent, error) {
	event := domain.TransactionEvent{
		ID:            uuid.New(),
		TransactionID: txnID,
		EventType:     eventType,
		Actor:         actor,
		CreatedAt:     time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return domain.TransactionEvent{}, fmt.Errorf("writeEvent: marshal: %w", err)
		}
		event.Payload = raw
	}
	if err := w.events.Create(ctx, tx, &event); err != nil {
		return domain.TransactionEvent{}, fmt.Errorf("writeEvent: %w", err)
	}
	return event, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func userTag(id uuid.UUID) string {
	return "user:" + id.String()
}
