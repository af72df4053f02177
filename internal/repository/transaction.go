package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tevinmoran/corebank/internal/domain"
)

const transactionColumns = `id, type, status, amount, currency,
	source_account_id, target_account_id, fee, requires_approval, high_risk,
	cross_currency, initiator_id, processor_id, approver_id, reversal_of,
	failure_reason, metadata, version, created_at, updated_at, completed_at`

type TransactionRepository struct {
	db *sql.DB
}

func NewTransactionRepository(db *sql.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, tx *sql.Tx, t *domain.Transaction) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO transactions (
			id, type, status, amount, currency,
			source_account_id, target_account_id, fee, requires_approval, high_risk,
			cross_currency, initiator_id, processor_id, approver_id, reversal_of,
			failure_reason, metadata, version, created_at, updated_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21
		)`,
		t.ID, t.Type, t.Status, t.Amount, t.Currency,
		t.SourceAccountID, t.TargetAccountID, t.Fee, t.RequiresApproval, t.HighRisk,
		t.CrossCurrency, t.InitiatorID, t.ProcessorID, t.ApproverID, t.ReversalOf,
		t.FailureReason, nullableJSON(t.Metadata), t.Version, t.CreatedAt, t.UpdatedAt, t.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (r *TransactionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id,
	)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByID: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByID: %w", err)
	}
	return t, nil
}

func (r *TransactionRepository) GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Transaction, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id,
	)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetForUpdate: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetForUpdate: %w", err)
	}
	return t, nil
}

func (r *TransactionRepository) UpdateStatus(ctx context.Context, tx *sql.Tx, id uuid.UUID, status domain.TransactionStatus, failureReason *string, completedAt *time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE transactions
		SET status = $1, failure_reason = $2, completed_at = $3,
			version = version + 1, updated_at = now()
		WHERE id = $4`,
		status, failureReason, completedAt, id,
	)
	if err != nil {
		return fmt.Errorf("UpdateStatus: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("UpdateStatus: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("UpdateStatus: %w", domain.ErrNotFound)
	}
	return nil
}

func (r *TransactionRepository) SetProcessor(ctx context.Context, tx *sql.Tx, id, processorID uuid.UUID) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE transactions SET processor_id = $1, version = version + 1, updated_at = now() WHERE id = $2`,
		processorID, id,
	)
	if err != nil {
		return fmt.Errorf("SetProcessor: %w", err)
	}
	return nil
}

func (r *TransactionRepository) SetApprover(ctx context.Context, tx *sql.Tx, id, approverID uuid.UUID) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE transactions SET approver_id = $1, version = version + 1, updated_at = now() WHERE id = $2`,
		approverID, id,
	)
	if err != nil {
		return fmt.Errorf("SetApprover: %w", err)
	}
	return nil
}

// MergeMetadata folds the given keys into the transaction's metadata map,
// used to capture settlement errors and scheduler context.
func (r *TransactionRepository) MergeMetadata(ctx context.Context, tx *sql.Tx, id uuid.UUID, fields map[string]any) error {
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("MergeMetadata: marshal: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE transactions
		SET metadata = COALESCE(metadata, '{}'::jsonb) || $1::jsonb,
			version = version + 1, updated_at = now()
		WHERE id = $2`,
		payload, id,
	)
	if err != nil {
		return fmt.Errorf("MergeMetadata: %w", err)
	}
	return nil
}

func scanTransaction(s scanner) (*domain.Transaction, error) {
	var t domain.Transaction
	var source, target, processor, approver, reversalOf uuid.NullUUID
	var metadata []byte

	err := s.Scan(
		&t.ID, &t.Type, &t.Status, &t.Amount, &t.Currency,
		&source, &target, &t.Fee, &t.RequiresApproval, &t.HighRisk,
		&t.CrossCurrency, &t.InitiatorID, &processor, &approver, &reversalOf,
		&t.FailureReason, &metadata, &t.Version, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	if source.Valid {
		t.SourceAccountID = &source.UUID
	}
	if target.Valid {
		t.TargetAccountID = &target.UUID
	}
	if processor.Valid {
		t.ProcessorID = &processor.UUID
	}
	if approver.Valid {
		t.ApproverID = &approver.UUID
	}
	if reversalOf.Valid {
		t.ReversalOf = &reversalOf.UUID
	}
	if metadata != nil {
		t.Metadata = metadata
	}

	return &t, nil
}

func nullableJSON(m json.RawMessage) any {
	if len(m) == 0 {
		return nil
	}
	return []byte(m)
}
