package approval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tevinmoran/corebank/internal/domain"
	"github.com/tevinmoran/corebank/internal/logging"
)

const sweepActor = "system:overdue-sweep"

// RunSweeper polls for overdue approvals until the context is cancelled. One
// pass runs immediately on start so restarts do not delay escalation by a
// full interval.
func (w *Workflow) RunSweeper(ctx context.Context) {
	log := logging.FromContext(ctx)
	log.Info("overdue approval sweeper started", "interval", w.cfg.SweepInterval)

	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		if err := w.ProcessOverdueApprovals(ctx); err != nil {
			log.Error("overdue sweep pass failed", "error", err)
		}

		select {
		case <-ctx.Done():
			log.Info("overdue approval sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}

// ProcessOverdueApprovals finds approvals past their deadline and resolves
// each one: escalate when the level has a path and a staffed next level,
// otherwise cancel the whole workflow. Every candidate is handled in its own
// database transaction so one bad record cannot wedge the pass.
func (w *Workflow) ProcessOverdueApprovals(ctx context.Context) error {
	candidates, err := w.approvals.ListOverdue(ctx, time.Now().UTC(), w.cfg.SweepBatch)
	if err != nil {
		return fmt.Errorf("ProcessOverdueApprovals: %w", err)
	}

	log := logging.FromContext(ctx)
	for _, candidate := range candidates {
		action, err := w.resolveOverdue(ctx, candidate)
		if err != nil {
			log.Error("overdue approval not resolved",
				"approval_id", candidate.ID,
				"transaction_id", candidate.TransactionID,
				"level", candidate.Level,
				"error", err,
			)
			continue
		}
		if action == "" {
			continue
		}
		w.metrics.SweepActions.WithLabelValues(action).Inc()
		log.Info("overdue approval resolved",
			"approval_id", candidate.ID,
			"transaction_id", candidate.TransactionID,
			"level", candidate.Level,
			"action", action,
		)
	}

	return nil
}

// resolveOverdue re-checks the candidate under locks (the overdue scan is
// lock-free, so the approval may have been acted on since) and either
// escalates it or cancels the workflow. Locks are taken transaction first,
// matching every other code path.
func (w *Workflow) resolveOverdue(ctx context.Context, candidate domain.Approval) (string, error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("resolveOverdue: begin tx: %w", err)
	}
	defer tx.Rollback()

	txn, err := w.transactions.GetForUpdate(ctx, tx, candidate.TransactionID)
	if err != nil {
		return "", fmt.Errorf("resolveOverdue: %w", err)
	}
	if txn.Status != domain.TransactionStatusPendingApproval {
		return "", nil
	}

	ap, err := w.approvals.GetForUpdate(ctx, tx, candidate.ID)
	if err != nil {
		return "", fmt.Errorf("resolveOverdue: %w", err)
	}
	if ap.Status != domain.ApprovalStatusPending || !time.Now().UTC().After(ap.DueAt) {
		return "", nil
	}

	reason := "approval deadline expired"
	_, event, err := w.escalateLocked(ctx, tx, txn, ap, sweepActor, &reason)
	switch {
	case err == nil:
		if cerr := tx.Commit(); cerr != nil {
			return "", fmt.Errorf("resolveOverdue: commit: %w", cerr)
		}
		w.dispatcher.Dispatch(ctx, event)
		return "escalated", nil

	case errors.Is(err, domain.ErrNoEscalationPath), errors.Is(err, domain.ErrNoApproverAvailable):
		event, cerr := w.cancelWorkflowLocked(ctx, tx, txn, ap, err)
		if cerr != nil {
			return "", fmt.Errorf("resolveOverdue: %w", cerr)
		}
		if cerr := tx.Commit(); cerr != nil {
			return "", fmt.Errorf("resolveOverdue: commit: %w", cerr)
		}
		w.dispatcher.Dispatch(ctx, event)
		return "cancelled", nil

	default:
		return "", fmt.Errorf("resolveOverdue: %w", err)
	}
}

// cancelWorkflowLocked abandons an overdue workflow that cannot move up:
// every pending approval is cancelled and the transaction lands in
// cancelled with the reason on record.
func (w *Workflow) cancelWorkflowLocked(ctx context.Context, tx *sql.Tx, txn *domain.Transaction, ap *domain.Approval, cause error) (domain.TransactionEvent, error) {
	reason := "approval timeout: no escalation path"
	if errors.Is(cause, domain.ErrNoApproverAvailable) {
		reason = "approval timeout: no available approvers"
	}

	if _, err := w.approvals.CancelPending(ctx, tx, txn.ID); err != nil {
		return domain.TransactionEvent{}, err
	}
	if err := w.transactions.UpdateStatus(ctx, tx, txn.ID, domain.TransactionStatusCancelled, &reason, nil); err != nil {
		return domain.TransactionEvent{}, err
	}
	if err := w.transactions.MergeMetadata(ctx, tx, txn.ID, map[string]any{"error": reason}); err != nil {
		return domain.TransactionEvent{}, err
	}

	return w.writeEvent(ctx, tx, txn.ID, domain.EventTypeCancelled, sweepActor, map[string]any{
		"reason": reason,
		"level":  ap.Level,
	})
}
