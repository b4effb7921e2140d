package job

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for the job package.
var (
	// ErrUnknownJobType is returned when a job type string is not in the
	// known set built at startup.
	ErrUnknownJobType = errors.New("unknown job type")

	// ErrInvalidTransition is returned by the ledger when a requested state
	// change is not allowed by the state machine.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNotCancellable is returned when a cancel is requested for a job
	// that is not in Pending or Running.
	ErrNotCancellable = errors.New("job is not cancellable in its current state")
)

// FailureClass is the tagged classification the retry policy decides on.
// Classification happens once, at the failure site, so the policy table is
// explicit and exhaustive rather than spread across type assertions.
type FailureClass string

// Failure classes, from always-terminal to retry-once.
const (
	// ClassValidation covers malformed payloads. Never retried.
	ClassValidation FailureClass = "validation"

	// ClassTransient covers connectivity, timeout, and transient I/O
	// failures. Retried per policy.
	ClassTransient FailureClass = "transient"

	// ClassLogic covers programming and precondition violations surfaced by
	// a handler. Non-retriable by default.
	ClassLogic FailureClass = "logic"

	// ClassNotFound covers a related entity that vanished between submission
	// and execution. Terminal; logged as a data-integrity warning.
	ClassNotFound FailureClass = "not_found"

	// ClassUnknown covers everything unclassified. Retried exactly once as a
	// heuristic, then treated as non-retriable.
	ClassUnknown FailureClass = "unknown"
)

// Failure wraps an error with its retry classification.
type Failure struct {
	Class FailureClass
	Err   error
}

// Error implements the error interface.
func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Class, f.Err)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (f *Failure) Unwrap() error {
	return f.Err
}

// NewFailure wraps err with the given class.
func NewFailure(class FailureClass, err error) *Failure {
	return &Failure{Class: class, Err: err}
}

// ValidationErrorf builds a validation-class failure.
func ValidationErrorf(format string, args ...any) error {
	return &Failure{Class: ClassValidation, Err: fmt.Errorf(format, args...)}
}

// TransientErrorf builds a transient-class failure.
func TransientErrorf(format string, args ...any) error {
	return &Failure{Class: ClassTransient, Err: fmt.Errorf(format, args...)}
}

// LogicErrorf builds a logic-class failure.
func LogicErrorf(format string, args ...any) error {
	return &Failure{Class: ClassLogic, Err: fmt.Errorf(format, args...)}
}

// NotFoundErrorf builds a not-found-class failure.
func NotFoundErrorf(format string, args ...any) error {
	return &Failure{Class: ClassNotFound, Err: fmt.Errorf(format, args...)}
}

// Classify returns the failure class of err. Errors not carrying an
// explicit class fall back to a small set of well-known cases, then
// ClassUnknown.
func Classify(err error) FailureClass {
	if err == nil {
		return ClassUnknown
	}

	var f *Failure
	if errors.As(err, &f) {
		return f.Class
	}

	// Deadline and cancellation during a handler call look like timeouts
	// from the orchestration layer's point of view.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTransient
	}

	return ClassUnknown
}
