// Package events provides the in-process lifecycle event bus. The broker
// side of the system announces job transitions here with a fixed schema;
// loosely-coupled handlers (the ledger mirror, log sinks) consume them
// without the announcing code knowing who listens.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gradewise/gradewise-api/internal/job"
)

// LifecycleEvent announces one job state transition.
type LifecycleEvent struct {
	// JobID identifies the job that transitioned.
	JobID uuid.UUID `json:"job_id"`

	// JobType identifies which handler the job runs.
	JobType job.Type `json:"job_type"`

	// Transition is the state the job moved to.
	Transition job.State `json:"transition"`

	// Timestamp is when the transition was observed.
	Timestamp time.Time `json:"timestamp"`

	// WorkerID names the worker process involved, when one was.
	WorkerID string `json:"worker_id,omitempty"`

	// Error carries the human-readable cause on failure transitions.
	Error string `json:"error,omitempty"`
}

// NewLifecycleEvent creates an event stamped with the current time.
func NewLifecycleEvent(jobID uuid.UUID, jobType job.Type, transition job.State) LifecycleEvent {
	return LifecycleEvent{
		JobID:      jobID,
		JobType:    jobType,
		Transition: transition,
		Timestamp:  time.Now().UTC(),
	}
}

// Handler defines an interface for components that can handle lifecycle events.
type Handler interface {
	// HandleEvent processes the given event within the provided context.
	// Returns an error if the event cannot be handled successfully.
	HandleEvent(ctx context.Context, event LifecycleEvent) error
}

// Emitter defines an interface for components that can emit lifecycle events.
// This allows the worker and submission paths to publish transitions
// without direct knowledge of handlers.
type Emitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	EmitEvent(ctx context.Context, event LifecycleEvent) error
}
