// Package queue defines the broker contract the orchestration layer
// depends on and the router that maps job types onto named queues.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the broker's live view of a job. "unknown" means the broker has
// no record of the job ID: expired result backend, crashed worker, or lost
// message. It is the reconciler's staleness signal.
type Status string

// Broker status values.
const (
	StatusUnknown   Status = "unknown"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusRevoked   Status = "revoked"
)

// ErrEmptyQueue is returned by Dequeue when the blocking window elapses
// without a deliverable message.
var ErrEmptyQueue = errors.New("no message available")

// Delivery is one message handed to a worker.
type Delivery struct {
	JobID   uuid.UUID
	Queue   string
	Payload json.RawMessage
}

// Broker is the message-transport collaborator. Delivery is at-least-once;
// consumers must tolerate duplicates (the job wrapper's idempotency check
// exists for exactly this reason).
// Version: 1.0
type Broker interface {
	// Enqueue places a job on the named queue. A positive delay defers
	// delivery; the delayed set is promoted onto the run queue by the
	// scheduler's promotion sweep. Priority must already be clamped by the
	// router.
	Enqueue(ctx context.Context, q Queue, jobID uuid.UUID, payload json.RawMessage, priority int, delay time.Duration) error

	// Dequeue blocks up to the given duration waiting for a message on any
	// of the named queues, honoring priority order within each queue.
	// Messages older than their queue's TTL are diverted to the queue's
	// dead-letter target instead of being delivered.
	Dequeue(ctx context.Context, queues []Queue, block time.Duration) (*Delivery, error)

	// GetStatus returns the broker's live status for the job ID.
	GetStatus(ctx context.Context, jobID uuid.UUID) (Status, error)

	// SetStatus records a terminal or in-flight status for the job ID so
	// pollers and the reconciler can observe it.
	SetStatus(ctx context.Context, jobID uuid.UUID, status Status) error

	// Revoke marks the job revoked and removes any queued copy. A job
	// already picked up by a worker is not interrupted; cancellation is
	// cooperative at the wrapper's checkpoints.
	Revoke(ctx context.Context, jobID uuid.UUID) error

	// DeadLetter moves the message to the queue's dead-letter target with a
	// reason. The dead-letter queue itself is a sink.
	DeadLetter(ctx context.Context, q Queue, jobID uuid.UUID, payload json.RawMessage, reason string) error

	// PromoteDue moves up to batch members of the queue's delayed set whose
	// delivery time has arrived onto the run queue. Returns how many moved.
	PromoteDue(ctx context.Context, q Queue, now time.Time, batch int64) (int, error)

	// Depth returns the number of messages waiting on the queue.
	Depth(ctx context.Context, queueName string) (int64, error)
}
