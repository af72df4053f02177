package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tevinmoran/corebank/internal/domain"
)

// Settle drives a transaction through processing to completed. It is the
// only path that mutates balances and it is idempotent: settling an
// already-completed transaction is a successful no-op.
func (e *Engine) Settle(ctx context.Context, id, actor uuid.UUID) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("Settle: begin tx: %w", err)
	}
	defer tx.Rollback()

	txn, err := e.transactions.GetForUpdate(ctx, tx, id)
	if err != nil {
		return fmt.Errorf("Settle: %w", err)
	}

	if txn.Status == domain.TransactionStatusCompleted {
		return nil
	}
	if txn.Status != domain.TransactionStatusPending && txn.Status != domain.TransactionStatusApproved {
		return fmt.Errorf("Settle: status %s: %w", txn.Status, domain.ErrStateConflict)
	}

	events, settleErr := e.settleInTx(ctx, tx, txn, actor)
	if settleErr != nil && !domain.IsSettlementFailure(settleErr) {
		return fmt.Errorf("Settle: %w", settleErr)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Settle: commit: %w", err)
	}
	e.dispatcher.Dispatch(ctx, events...)

	if settleErr != nil {
		return fmt.Errorf("Settle: %w", settleErr)
	}
	return nil
}

// SettleInTx runs settlement inside the caller's database transaction while
// the caller holds the transaction row lock. The approval engine uses this
// to make "last approval arrived" and "balances moved" a single atomic
// step. A business-rule failure lands the transaction in failed (inside the
// same tx, which the caller should still commit) and is reported via
// domain.IsSettlementFailure.
func (e *Engine) SettleInTx(ctx context.Context, tx *sql.Tx, txn *domain.Transaction, actor uuid.UUID) ([]domain.TransactionEvent, error) {
	return e.settleInTx(ctx, tx, txn, actor)
}

func (e *Engine) settleInTx(ctx context.Context, tx *sql.Tx, txn *domain.Transaction, actor uuid.UUID) ([]domain.TransactionEvent, error) {
	var events []domain.TransactionEvent

	if !txn.Status.CanTransitionTo(domain.TransactionStatusProcessing) {
		return nil, fmt.Errorf("settleInTx: status %s: %w", txn.Status, domain.ErrStateConflict)
	}
	// A pending transaction that was routed to approval must come back
	// through the workflow; only the final approval may settle it.
	if txn.Status == domain.TransactionStatusPending && txn.RequiresApproval {
		return nil, fmt.Errorf("settleInTx: approval required: %w", domain.ErrStateConflict)
	}

	if err := e.transactions.UpdateStatus(ctx, tx, txn.ID, domain.TransactionStatusProcessing, nil, nil); err != nil {
		return nil, fmt.Errorf("settleInTx: %w", err)
	}
	if err := e.transactions.SetProcessor(ctx, tx, txn.ID, actor); err != nil {
		return nil, fmt.Errorf("settleInTx: %w", err)
	}
	txn.Status = domain.TransactionStatusProcessing

	processing, err := e.writeEvent(ctx, tx, txn.ID, domain.EventTypeProcessing, actorTag(actor), nil)
	if err != nil {
		return nil, fmt.Errorf("settleInTx: %w", err)
	}
	events = append(events, processing)

	var mutErr error
	if txn.Type == domain.TransactionTypeReversal {
		original, err := e.lockedOriginal(ctx, tx, txn)
		if err != nil {
			return nil, fmt.Errorf("settleInTx: %w", err)
		}
		mutErr = e.mutator.Reverse(ctx, tx, txn, original)
	} else {
		mutErr = e.mutator.Apply(ctx, tx, txn)
	}

	if mutErr != nil {
		if !domain.IsSettlementFailure(mutErr) {
			return nil, fmt.Errorf("settleInTx: %w", mutErr)
		}
		failed, ferr := e.failInTx(ctx, tx, txn, actor, mutErr.Error())
		if ferr != nil {
			return nil, fmt.Errorf("settleInTx: %w", ferr)
		}
		events = append(events, failed)
		e.metrics.Settlements.WithLabelValues("failed").Inc()
		return events, fmt.Errorf("settleInTx: %w", mutErr)
	}

	now := time.Now().UTC()
	if err := e.transactions.UpdateStatus(ctx, tx, txn.ID, domain.TransactionStatusCompleted, nil, &now); err != nil {
		return nil, fmt.Errorf("settleInTx: %w", err)
	}
	txn.Status = domain.TransactionStatusCompleted
	txn.CompletedAt = &now

	completed, err := e.writeEvent(ctx, tx, txn.ID, domain.EventTypeCompleted, actorTag(actor), nil)
	if err != nil {
		return nil, fmt.Errorf("settleInTx: %w", err)
	}
	events = append(events, completed)
	e.metrics.Settlements.WithLabelValues("completed").Inc()

	return events, nil
}

// failInTx records a settlement failure: status, reason and metadata, all in
// the open transaction so the failure commits atomically with whatever led
// to it.
func (e *Engine) failInTx(ctx context.Context, tx *sql.Tx, txn *domain.Transaction, actor uuid.UUID, reason string) (domain.TransactionEvent, error) {
	if err := e.transactions.UpdateStatus(ctx, tx, txn.ID, domain.TransactionStatusFailed, &reason, nil); err != nil {
		return domain.TransactionEvent{}, err
	}
	if err := e.transactions.MergeMetadata(ctx, tx, txn.ID, map[string]any{"error": reason}); err != nil {
		return domain.TransactionEvent{}, err
	}
	txn.Status = domain.TransactionStatusFailed
	txn.FailureReason = &reason

	return e.writeEvent(ctx, tx, txn.ID, domain.EventTypeFailed, actorTag(actor), map[string]any{"reason": reason})
}

func (e *Engine) lockedOriginal(ctx context.Context, tx *sql.Tx, reversal *domain.Transaction) (*domain.Transaction, error) {
	if reversal.ReversalOf == nil {
		return nil, fmt.Errorf("reversal without original: %w", domain.ErrInvalidTransaction)
	}
	original, err := e.transactions.GetForUpdate(ctx, tx, *reversal.ReversalOf)
	if err != nil {
		return nil, err
	}
	return original, nil
}
