package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tevinmoran/corebank/internal/domain"
)

// ApproverRepository is the default approver directory: a table of approvers
// with their level and availability. Selection prefers the approver least
// recently handed an approval, so load spreads across a level's staff.
type ApproverRepository struct {
	db *sql.DB
}

func NewApproverRepository(db *sql.DB) *ApproverRepository {
	return &ApproverRepository{db: db}
}

// FindEligible runs on the caller's transaction so the rotation bump rolls
// back together with a workflow that cannot be fully staffed.
func (r *ApproverRepository) FindEligible(ctx context.Context, tx *sql.Tx, level domain.ApprovalLevel, _ *domain.Transaction) (*domain.Approver, error) {
	var a domain.Approver
	err := tx.QueryRowContext(ctx,
		`UPDATE approvers SET last_assigned_at = now()
		WHERE id = (
			SELECT id FROM approvers
			WHERE level = $1 AND active = true
			ORDER BY last_assigned_at ASC NULLS FIRST
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, name, level`,
		level,
	).Scan(&a.ID, &a.Name, &a.Level)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("FindEligible: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("FindEligible: %w", err)
	}
	return &a, nil
}
