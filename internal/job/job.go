// Package job defines the job ledger's data model: the durable record of
// every submitted background job, its state machine, and the failure
// taxonomy the retry policy decides on.
package job

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// State represents the current state of a job record in the ledger.
type State string

// Possible job states.
const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateRetrying  State = "retrying"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is terminal. A terminal record never
// moves back to a non-terminal state except by explicit operator action.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// validFrom lists the states a job may be in immediately before entering
// the key state. Pending appears as a target because the reconciler resets
// stale Running and overdue Retrying records for re-submission.
var validFrom = map[State][]State{
	StatePending:   {StateRunning, StateRetrying},
	StateRunning:   {StatePending, StateRetrying},
	StateSucceeded: {StatePending, StateRunning},
	StateFailed:    {StatePending, StateRunning, StateRetrying},
	StateRetrying:  {StateRunning},
	StateCancelled: {StatePending, StateRunning},
}

// ValidFrom returns the states a record may be in immediately before
// entering to. The ledger's conditional write uses it as its guard.
func ValidFrom(to State) []State {
	return validFrom[to]
}

// CanTransition reports whether a record in state from may move to state to.
// Re-applying a terminal state to an already-terminal record is not a valid
// transition but is treated as an idempotent no-op by the ledger, not an error.
func CanTransition(from, to State) bool {
	for _, s := range validFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Type identifies which handler runs a job. The set of types is fixed at
// startup; resolving an unknown type is a startup error, not a runtime
// lookup miss.
type Type string

// Known job types.
const (
	// TypeScoreEssay grades a single essay via the scoring collaborator.
	TypeScoreEssay Type = "score_essay"

	// TypeRescoreBatch re-grades a set of essays (e.g., after a rubric change).
	TypeRescoreBatch Type = "rescore_batch"
)

// KnownTypes returns all job types the system can execute.
func KnownTypes() []Type {
	return []Type{TypeScoreEssay, TypeRescoreBatch}
}

// ParseType validates a job type string against the known set.
func ParseType(s string) (Type, error) {
	for _, t := range KnownTypes() {
		if string(t) == s {
			return t, nil
		}
	}
	return "", ErrUnknownJobType
}

// EntityRef identifies the domain object a job acts on.
type EntityRef struct {
	Kind string    `json:"kind"`
	ID   uuid.UUID `json:"id"`
}

// EntityKindEssay is the entity kind for essays, the only domain object
// the grading jobs act on today.
const EntityKindEssay = "essay"

// Record is the ledger's unit: the durable record of one submitted job.
type Record struct {
	// JobID is the opaque, globally unique identifier assigned at submission.
	JobID uuid.UUID

	// JobType identifies which handler runs this job.
	JobType Type

	// State is the record's position in the state machine.
	State State

	// Entity is the domain object this job acts on; nil when the job has none
	// (maintenance sweeps, metrics sampling).
	Entity *EntityRef

	// Priority is the submission priority, already clamped to the routed
	// queue's ceiling. Every re-enqueue of this record uses it, so retries
	// and reconciler requeues keep their original position in line.
	Priority int

	// WorkerID identifies the process that last ran the job. Diagnostic only.
	WorkerID string

	// AttemptCount is incremented on every retry; bounded by the retry
	// policy's max for this job type.
	AttemptCount int

	// Result holds the structured result payload. Set only on Succeeded.
	Result json.RawMessage

	// ErrorMessage holds a human-readable cause. Set on Failed/Retrying.
	ErrorMessage string

	// NextRetryAt is set when the record enters Retrying; the reconciler
	// uses it to detect overdue retries.
	NextRetryAt *time.Time

	// SubmittedAt, StartedAt and CompletedAt are monotonically ordered once
	// set. StartedAt and CompletedAt are nil until reached.
	SubmittedAt time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	// UpdatedAt is bumped on every ledger write.
	UpdatedAt time.Time
}
