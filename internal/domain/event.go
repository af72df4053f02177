package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventTypeCreated         EventType = "created"
	EventTypePendingApproval EventType = "pending_approval"
	EventTypeApproved        EventType = "approved"
	EventTypeRejected        EventType = "rejected"
	EventTypeEscalated       EventType = "escalated"
	EventTypeProcessing      EventType = "processing"
	EventTypeCompleted       EventType = "completed"
	EventTypeFailed          EventType = "failed"
	EventTypeCancelled       EventType = "cancelled"
	EventTypeReversed        EventType = "reversed"
)

// TransactionEvent is the persisted lifecycle record written in the same
// database transaction as the transition it describes. In-process handlers
// receive a copy after commit; delivery is best-effort, ordering is not.
type TransactionEvent struct {
	ID            uuid.UUID
	TransactionID uuid.UUID
	EventType     EventType
	Actor         string
	Payload       json.RawMessage
	CreatedAt     time.Time
}
