package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CreateParams holds the fields for creating a new job record.
type CreateParams struct {
	JobID    uuid.UUID
	JobType  Type
	Entity   *EntityRef
	Payload  json.RawMessage
	Priority int
}

// TransitionChanges lists the optional fields a transition overwrites.
// Nil pointers leave the current value untouched. StartedAt/CompletedAt are
// managed by the ledger itself: entering Running sets StartedAt, entering a
// terminal state sets CompletedAt (first time only).
type TransitionChanges struct {
	WorkerID     *string
	AttemptCount *int
	Result       json.RawMessage
	ErrorMessage *string
	NextRetryAt  *time.Time
}

// Query filters ledger scans. Zero values mean "no filter".
type Query struct {
	States        []State
	JobType       Type
	Entity        *EntityRef
	StartedBefore time.Time
	CreatedBefore time.Time
	Limit         int
}

// Ledger is the durable record of every submitted job and its state
// transitions. All coordination between workers, the reconciler, and the
// submission surface goes through the per-job-ID row it manages.
// Version: 1.0
type Ledger interface {
	// Create persists a new record in Pending state. Returns
	// store.ErrJobExists if the job ID is already present.
	Create(ctx context.Context, params CreateParams) (*Record, error)

	// Get returns the record for the given job ID, or store.ErrJobNotFound.
	Get(ctx context.Context, jobID uuid.UUID) (*Record, error)

	// Payload returns the submission payload stored with the record.
	Payload(ctx context.Context, jobID uuid.UUID) (json.RawMessage, error)

	// Transition moves the record to newState, applying changes atomically.
	// Transitions are monotonic: a request that the state machine forbids
	// returns ErrInvalidTransition, except that re-applying a terminal state
	// to an already-terminal record, or re-applying the current state, is an
	// idempotent no-op returning the current record unchanged.
	Transition(ctx context.Context, jobID uuid.UUID, newState State, changes TransitionChanges) (*Record, error)

	// Find returns records matching the query, ordered by submission time.
	Find(ctx context.Context, q Query) ([]*Record, error)

	// FindActiveByEntity returns the non-terminal record acting on the given
	// entity, or store.ErrJobNotFound if none exists. This is the idempotent
	// submission check: one active job per entity.
	FindActiveByEntity(ctx context.Context, entity EntityRef) (*Record, error)

	// DeleteTerminalBefore removes terminal records whose completion is older
	// than the cutoff. Non-terminal records are never deleted.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// WithTx returns a Ledger bound to the provided transaction, so a caller
	// can combine ledger writes with other writes atomically.
	WithTx(tx *sql.Tx) Ledger
}
