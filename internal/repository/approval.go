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

const approvalColumns = `id, transaction_id, approver_id, level, status, notes,
	due_at, acted_at, escalated_from, created_at, updated_at`

type ApprovalRepository struct {
	db *sql.DB
}

func NewApprovalRepository(db *sql.DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

func (r *ApprovalRepository) Create(ctx context.Context, tx *sql.Tx, a *domain.Approval) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO approvals (
			id, transaction_id, approver_id, level, status, notes,
			due_at, acted_at, escalated_from, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.TransactionID, a.ApproverID, a.Level, a.Status, a.Notes,
		a.DueAt, a.ActedAt, a.EscalatedFrom, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

// CreateBatch inserts a full approval set. All-or-nothing is guaranteed by
// the caller's transaction; a workflow is never persisted partially.
func (r *ApprovalRepository) CreateBatch(ctx context.Context, tx *sql.Tx, approvals []*domain.Approval) error {
	for _, a := range approvals {
		if err := r.Create(ctx, tx, a); err != nil {
			return fmt.Errorf("CreateBatch: %w", err)
		}
	}
	return nil
}

func (r *ApprovalRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Approval, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE id = $1`, id,
	)
	a, err := scanApproval(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByID: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByID: %w", err)
	}
	return a, nil
}

func (r *ApprovalRepository) GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Approval, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE id = $1 FOR UPDATE`, id,
	)
	a, err := scanApproval(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetForUpdate: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetForUpdate: %w", err)
	}
	return a, nil
}

// GetPendingForApprover locks the approver's pending approval on the
// transaction, if any.
func (r *ApprovalRepository) GetPendingForApprover(ctx context.Context, tx *sql.Tx, transactionID, approverID uuid.UUID) (*domain.Approval, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals
		WHERE transaction_id = $1 AND approver_id = $2 AND status = $3
		FOR UPDATE`,
		transactionID, approverID, domain.ApprovalStatusPending,
	)
	a, err := scanApproval(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetPendingForApprover: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetPendingForApprover: %w", err)
	}
	return a, nil
}

func (r *ApprovalRepository) ListByTransaction(ctx context.Context, transactionID uuid.UUID) ([]domain.Approval, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals
		WHERE transaction_id = $1 ORDER BY created_at`, transactionID,
	)
	if err != nil {
		return nil, fmt.Errorf("ListByTransaction: %w", err)
	}
	defer rows.Close()

	var approvals []domain.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("ListByTransaction: scan: %w", err)
		}
		approvals = append(approvals, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListByTransaction: rows: %w", err)
	}
	return approvals, nil
}

func (r *ApprovalRepository) CountPending(ctx context.Context, tx *sql.Tx, transactionID uuid.UUID) (int, error) {
	var count int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM approvals WHERE transaction_id = $1 AND status = $2`,
		transactionID, domain.ApprovalStatusPending,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("CountPending: %w", err)
	}
	return count, nil
}

func (r *ApprovalRepository) MarkStatus(ctx context.Context, tx *sql.Tx, id uuid.UUID, status domain.ApprovalStatus, notes *string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE approvals
		SET status = $1, notes = COALESCE($2, notes), acted_at = now(), updated_at = now()
		WHERE id = $3 AND status = $4`,
		status, notes, id, domain.ApprovalStatusPending,
	)
	if err != nil {
		return fmt.Errorf("MarkStatus: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("MarkStatus: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("MarkStatus: %w", domain.ErrStateConflict)
	}
	return nil
}

// CancelPending cancels every still-pending approval on the transaction and
// returns how many it touched.
func (r *ApprovalRepository) CancelPending(ctx context.Context, tx *sql.Tx, transactionID uuid.UUID) (int, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE approvals
		SET status = $1, acted_at = now(), updated_at = now()
		WHERE transaction_id = $2 AND status = $3`,
		domain.ApprovalStatusCancelled, transactionID, domain.ApprovalStatusPending,
	)
	if err != nil {
		return 0, fmt.Errorf("CancelPending: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("CancelPending: rows affected: %w", err)
	}
	return int(rows), nil
}

// ListOverdue returns candidate approvals for the sweep. It reads without
// locks; the sweep re-locks and re-checks each row before acting.
func (r *ApprovalRepository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]domain.Approval, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals
		WHERE status = $1 AND due_at < $2
		ORDER BY due_at
		LIMIT $3`,
		domain.ApprovalStatusPending, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ListOverdue: %w", err)
	}
	defer rows.Close()

	var approvals []domain.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("ListOverdue: scan: %w", err)
		}
		approvals = append(approvals, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListOverdue: rows: %w", err)
	}
	return approvals, nil
}

func scanApproval(s scanner) (*domain.Approval, error) {
	var a domain.Approval
	var escalatedFrom uuid.NullUUID

	err := s.Scan(
		&a.ID, &a.TransactionID, &a.ApproverID, &a.Level, &a.Status, &a.Notes,
		&a.DueAt, &a.ActedAt, &escalatedFrom, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if escalatedFrom.Valid {
		a.EscalatedFrom = &escalatedFrom.UUID
	}

	return &a, nil
}
