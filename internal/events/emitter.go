package events

import (
	"context"
	"log/slog"
	"sync"
)

// Bus is a simple implementation of the Emitter interface that stores
// registered handlers in memory and dispatches events to them.
type Bus struct {
	handlers []Handler
	mu       sync.RWMutex
	logger   *slog.Logger
}

// NewBus creates a new instance of Bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		handlers: make([]Handler, 0),
		logger:   logger.With("component", "event_bus"),
	}
}

// RegisterHandler adds a new event handler to receive events.
func (b *Bus) RegisterHandler(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
	b.logger.Debug("registered new event handler", "handler_count", len(b.handlers))
}

// EmitEvent publishes the given event to all registered handlers.
// If any handler returns an error, the event is still sent to all other
// handlers, and the first error encountered is returned.
func (b *Bus) EmitEvent(ctx context.Context, event LifecycleEvent) error {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	b.logger.Debug("emitting lifecycle event",
		"job_id", event.JobID,
		"transition", event.Transition,
		"handler_count", len(handlers))

	var firstErr error
	for i, handler := range handlers {
		if err := handler.HandleEvent(ctx, event); err != nil {
			b.logger.Error("handler failed to process event",
				"error", err,
				"handler_index", i,
				"job_id", event.JobID,
				"transition", event.Transition)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

var _ Emitter = (*Bus)(nil)
