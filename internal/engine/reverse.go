package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tevinmoran/corebank/internal/domain"
)

// Reverse compensates a completed transaction: it creates and settles a new
// reversal transaction whose movements negate the original's exactly (fee
// included), then marks the original reversed. Only completed transactions
// are reversible.
func (e *Engine) Reverse(ctx context.Context, id, actor uuid.UUID) (*domain.Transaction, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("Reverse: begin tx: %w", err)
	}
	defer tx.Rollback()

	original, err := e.transactions.GetForUpdate(ctx, tx, id)
	if err != nil {
		return nil, fmt.Errorf("Reverse: %w", err)
	}
	if original.Status != domain.TransactionStatusCompleted {
		return nil, fmt.Errorf("Reverse: status %s: %w", original.Status, domain.ErrIrreversibleState)
	}

	now := time.Now().UTC()
	reversal := &domain.Transaction{
		ID:              uuid.New(),
		Type:            domain.TransactionTypeReversal,
		Status:          domain.TransactionStatusPending,
		Amount:          original.Amount,
		Currency:        original.Currency,
		SourceAccountID: original.TargetAccountID,
		TargetAccountID: original.SourceAccountID,
		Fee:             decimal.Zero,
		InitiatorID:     actor,
		ReversalOf:      &original.ID,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := e.transactions.Create(ctx, tx, reversal); err != nil {
		return nil, fmt.Errorf("Reverse: %w", err)
	}

	var pending []domain.TransactionEvent
	created, err := e.writeEvent(ctx, tx, reversal.ID, domain.EventTypeCreated, actorTag(actor), map[string]any{
		"reversal_of": original.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("Reverse: %w", err)
	}
	pending = append(pending, created)

	events, settleErr := e.settleInTx(ctx, tx, reversal, actor)
	if settleErr != nil && !domain.IsSettlementFailure(settleErr) {
		return nil, fmt.Errorf("Reverse: %w", settleErr)
	}
	pending = append(pending, events...)

	if settleErr == nil {
		if err := e.transactions.UpdateStatus(ctx, tx, original.ID, domain.TransactionStatusReversed, nil, original.CompletedAt); err != nil {
			return nil, fmt.Errorf("Reverse: %w", err)
		}
		reversed, err := e.writeEvent(ctx, tx, original.ID, domain.EventTypeReversed, actorTag(actor), map[string]any{
			"reversal_id": reversal.ID,
		})
		if err != nil {
			return nil, fmt.Errorf("Reverse: %w", err)
		}
		pending = append(pending, reversed)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("Reverse: commit: %w", err)
	}
	e.dispatcher.Dispatch(ctx, pending...)

	if settleErr != nil {
		return reversal, fmt.Errorf("Reverse: %w", settleErr)
	}
	return reversal, nil
}
