package engine

import (
	"context"

	"github.com/tevinmoran/corebank/internal/domain"
	"github.com/tevinmoran/corebank/internal/logging"
)

// AuditLogHandler writes every lifecycle event to the structured log. It is
// usually the first handler in the dispatch order so the audit line exists
// even when a later handler fails.
type AuditLogHandler struct{}

func (AuditLogHandler) Name() string { return "audit-log" }

func (AuditLogHandler) Handle(ctx context.Context, event domain.TransactionEvent) error {
	logging.FromContext(ctx).Info("transaction event",
		"event_id", event.ID,
		"transaction_id", event.TransactionID,
		"event_type", event.EventType,
		"actor", event.Actor,
	)
	return nil
}
