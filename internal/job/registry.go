package job

import (
	"context"
	"encoding/json"
	"fmt"
)

// Handler executes one job type. Implementations classify their own
// failures (ValidationErrorf, TransientErrorf, ...) so the retry policy
// can decide without inspecting concrete error types.
// Version: 1.0
type Handler interface {
	// Execute runs the job and returns the result payload to persist on
	// success.
	Execute(ctx context.Context, rec *Record, payload json.RawMessage) (json.RawMessage, error)
}

// CompletionChecker is an optional interface a Handler may implement to
// support the wrapper's idempotency check: when the related domain entity
// is already in a terminal "done" state, the job is marked Succeeded with
// a skipped marker without executing. Guards against duplicate delivery.
type CompletionChecker interface {
	// AlreadyComplete reports whether the work this job would do is already done.
	AlreadyComplete(ctx context.Context, rec *Record) (bool, error)
}

// Registry maps job types to their handlers. It is built once at process
// start; registering an unknown or duplicate type fails construction, so a
// misconfigured worker refuses to boot instead of dropping jobs at runtime.
type Registry struct {
	handlers map[Type]Handler
}

// NewRegistry builds a registry from the given handler table. Every key
// must be a known job type and appear at most once.
func NewRegistry(table map[Type]Handler) (*Registry, error) {
	handlers := make(map[Type]Handler, len(table))
	for t, h := range table {
		if _, err := ParseType(string(t)); err != nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, t)
		}
		if h == nil {
			return nil, fmt.Errorf("nil handler for job type %q", t)
		}
		handlers[t] = h
	}
	return &Registry{handlers: handlers}, nil
}

// Resolve returns the handler for the given type.
func (r *Registry) Resolve(t Type) (Handler, error) {
	h, ok := r.handlers[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, t)
	}
	return h, nil
}
