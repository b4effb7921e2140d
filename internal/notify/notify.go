// Package notify defines the failure-notification collaborator. Delivery
// is best-effort and fire-and-forget: a notifier error never fails the job
// transition already committed.
package notify

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/gradewise/gradewise-api/internal/job"
)

// Notifier dispatches failure notifications.
// Version: 1.0
type Notifier interface {
	// NotifyFailure announces that a job failed terminally.
	NotifyFailure(ctx context.Context, jobID uuid.UUID, entity *job.EntityRef, cause string) error
}

// LogNotifier is a Notifier that writes notifications to the operational
// log. It stands in for the email/websocket senders of the surrounding
// product, which are outside this layer.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "failure_notifier")}
}

// NotifyFailure implements the Notifier interface.
func (n *LogNotifier) NotifyFailure(ctx context.Context, jobID uuid.UUID, entity *job.EntityRef, cause string) error {
	attrs := []any{"job_id", jobID, "cause", cause}
	if entity != nil {
		attrs = append(attrs, "entity_kind", entity.Kind, "entity_id", entity.ID)
	}
	n.logger.WarnContext(ctx, "job failed terminally", attrs...)
	return nil
}

var _ Notifier = (*LogNotifier)(nil)
