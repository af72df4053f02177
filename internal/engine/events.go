package engine

import (
	"context"
	"log/slog"

	"github.com/tevinmoran/corebank/internal/logging"

	"github.com/tevinmoran/corebank/internal/domain"
)

// Handler consumes a lifecycle event after the transition that produced it
// has committed. Implementations drive audit trails, balance-cache
// invalidation and notifications; the engine only guarantees invocation
// order, not delivery.
type Handler interface {
	Name() string
	Handle(ctx context.Context, event domain.TransactionEvent) error
}

// Dispatcher fans events out to a fixed, ordered list of handlers. Each
// handler is fault-isolated: an error or panic is logged and the remaining
// handlers still run. Dispatch never fails the transition that emitted the
// event.
type Dispatcher struct {
	handlers []Handler
}

func NewDispatcher(handlers ...Handler) *Dispatcher {
	return &Dispatcher{handlers: handlers}
}

func (d *Dispatcher) Dispatch(ctx context.Context, events ...domain.TransactionEvent) {
	if d == nil {
		return
	}
	log := logging.FromContext(ctx)
	for _, event := range events {
		for _, h := range d.handlers {
			d.invoke(ctx, log, h, event)
		}
	}
}

func (d *Dispatcher) invoke(ctx context.Context, log *slog.Logger, h Handler, event domain.TransactionEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("event handler panicked",
				"handler", h.Name(),
				"event_type", event.EventType,
				"transaction_id", event.TransactionID,
				"panic", r,
			)
		}
	}()

	if err := h.Handle(ctx, event); err != nil {
		log.Error("event handler failed",
			"handler", h.Name(),
			"event_type", event.EventType,
			"transaction_id", event.TransactionID,
			"error", err,
		)
	}
}
