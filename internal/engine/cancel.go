package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/tevinmoran/corebank/internal/domain"
)

// cancellable are the statuses Cancel may act on. Everything else is either
// terminal or mid-settlement.
var cancellable = map[domain.TransactionStatus]bool{
	domain.TransactionStatusPending:         true,
	domain.TransactionStatusPendingApproval: true,
	domain.TransactionStatusApproved:        true,
	domain.TransactionStatusOnHold:          true,
	domain.TransactionStatusFailed:          true,
}

// Cancel terminates a not-yet-settled transaction and withdraws any
// outstanding approvals in the same atomic step. A transaction that loses a
// race with settlement surfaces a state conflict, never a partial cancel.
func (e *Engine) Cancel(ctx context.Context, id, actor uuid.UUID, reason string) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("Cancel: begin tx: %w", err)
	}
	defer tx.Rollback()

	txn, err := e.transactions.GetForUpdate(ctx, tx, id)
	if err != nil {
		return fmt.Errorf("Cancel: %w", err)
	}
	if !cancellable[txn.Status] {
		return fmt.Errorf("Cancel: status %s: %w", txn.Status, domain.ErrStateConflict)
	}

	if _, err := e.approvals.CancelPending(ctx, tx, txn.ID); err != nil {
		return fmt.Errorf("Cancel: %w", err)
	}

	var failureReason *string
	if reason != "" {
		failureReason = &reason
	}
	if err := e.transactions.UpdateStatus(ctx, tx, txn.ID, domain.TransactionStatusCancelled, failureReason, nil); err != nil {
		return fmt.Errorf("Cancel: %w", err)
	}

	event, err := e.writeEvent(ctx, tx, txn.ID, domain.EventTypeCancelled, actorTag(actor), map[string]any{
		"reason": reason,
	})
	if err != nil {
		return fmt.Errorf("Cancel: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Cancel: commit: %w", err)
	}
	e.dispatcher.Dispatch(ctx, event)
	return nil
}

// Hold parks a pending transaction for manual review.
func (e *Engine) Hold(ctx context.Context, id, actor uuid.UUID) error {
	return e.shift(ctx, id, actor, domain.TransactionStatusPending, domain.TransactionStatusOnHold)
}

// Release returns an on-hold transaction to pending.
func (e *Engine) Release(ctx context.Context, id, actor uuid.UUID) error {
	return e.shift(ctx, id, actor, domain.TransactionStatusOnHold, domain.TransactionStatusPending)
}

// Retry re-opens a failed transaction for another settlement attempt. The
// engine never retries on its own; this is a deliberate operator action. A
// transaction whose routing decision was "requires approval" goes back
// through the workflow, never straight to settlement.
func (e *Engine) Retry(ctx context.Context, id, actor uuid.UUID) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("Retry: begin tx: %w", err)
	}
	defer tx.Rollback()

	txn, err := e.transactions.GetForUpdate(ctx, tx, id)
	if err != nil {
		return fmt.Errorf("Retry: %w", err)
	}
	if txn.Status != domain.TransactionStatusFailed {
		return fmt.Errorf("Retry: status %s: %w", txn.Status, domain.ErrStateConflict)
	}

	if err := e.transactions.UpdateStatus(ctx, tx, txn.ID, domain.TransactionStatusPending, nil, nil); err != nil {
		return fmt.Errorf("Retry: %w", err)
	}
	txn.Status = domain.TransactionStatusPending
	txn.FailureReason = nil

	if !txn.RequiresApproval {
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("Retry: commit: %w", err)
		}
		return nil
	}

	events, routeErr := e.routeToApproval(ctx, tx, txn, actor)
	if routeErr != nil && !errors.Is(routeErr, domain.ErrNoApproverAvailable) {
		return fmt.Errorf("Retry: %w", routeErr)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Retry: commit: %w", err)
	}
	e.dispatcher.Dispatch(ctx, events...)

	if routeErr != nil {
		return fmt.Errorf("Retry: %w", routeErr)
	}
	return nil
}

func (e *Engine) shift(ctx context.Context, id, actor uuid.UUID, from, to domain.TransactionStatus) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("shift: begin tx: %w", err)
	}
	defer tx.Rollback()

	txn, err := e.transactions.GetForUpdate(ctx, tx, id)
	if err != nil {
		return fmt.Errorf("shift: %w", err)
	}
	if txn.Status != from || !from.CanTransitionTo(to) {
		return fmt.Errorf("shift: %s to %s from %s: %w", from, to, txn.Status, domain.ErrStateConflict)
	}

	if err := e.transactions.UpdateStatus(ctx, tx, txn.ID, to, nil, nil); err != nil {
		return fmt.Errorf("shift: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("shift: commit: %w", err)
	}
	return nil
}
