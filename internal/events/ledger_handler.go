package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gradewise/gradewise-api/internal/job"
)

// LedgerHandler mirrors lifecycle events into the job ledger. It is the
// safety net under the job wrapper: even if an execution path forgets a
// ledger write, the transition announced on the bus still lands. Ledger
// transitions are idempotent for re-applied states, so double writes from
// wrapper plus handler are harmless.
type LedgerHandler struct {
	ledger job.Ledger
	logger *slog.Logger
}

// NewLedgerHandler creates a handler that mirrors transitions into the ledger.
func NewLedgerHandler(ledger job.Ledger, logger *slog.Logger) *LedgerHandler {
	return &LedgerHandler{
		ledger: ledger,
		logger: logger.With("component", "ledger_event_handler"),
	}
}

// HandleEvent applies the announced transition to the ledger. Invalid
// transitions (a late event arriving after the record moved on) are
// logged, not raised: the ledger's monotonic guard is the authority.
func (h *LedgerHandler) HandleEvent(ctx context.Context, event LifecycleEvent) error {
	changes := job.TransitionChanges{}
	if event.WorkerID != "" {
		changes.WorkerID = &event.WorkerID
	}
	if event.Error != "" {
		changes.ErrorMessage = &event.Error
	}

	_, err := h.ledger.Transition(ctx, event.JobID, event.Transition, changes)
	if err != nil {
		if errors.Is(err, job.ErrInvalidTransition) {
			h.logger.Debug("stale lifecycle event ignored by ledger",
				"job_id", event.JobID,
				"transition", event.Transition)
			return nil
		}
		return fmt.Errorf("failed to mirror transition into ledger: %w", err)
	}
	return nil
}

var _ Handler = (*LedgerHandler)(nil)
