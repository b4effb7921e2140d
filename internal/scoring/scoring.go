// Package scoring defines the external scoring collaborator's contract.
// The orchestration layer treats implementations as slow and unreliable;
// absorbing their transient failures is the retry policy's whole job.
package scoring

import (
	"context"
	"errors"

	"github.com/gradewise/gradewise-api/internal/domain"
)

// Common errors returned by scoring implementations. Implementations wrap
// these so the job wrapper can classify failures for the retry policy.
var (
	// ErrScoringFailed is returned when scoring fails for a general reason.
	ErrScoringFailed = errors.New("failed to score essay")

	// ErrInvalidResponse is returned when the model response cannot be
	// parsed or is malformed.
	ErrInvalidResponse = errors.New("invalid response from scoring model")

	// ErrContentBlocked is returned when the model refuses the content
	// (safety filters). Terminal; retrying cannot help.
	ErrContentBlocked = errors.New("content blocked by scoring model safety filters")

	// ErrTransientFailure is returned for temporary errors that might
	// resolve on retry.
	ErrTransientFailure = errors.New("transient error during scoring")

	// ErrInvalidConfig is returned when the scorer configuration is invalid.
	ErrInvalidConfig = errors.New("invalid scorer configuration")
)

// Scorer grades one essay. Calls are synchronous from the worker's point
// of view; the job wrapper enforces the time limits around them.
// Version: 1.0
type Scorer interface {
	// Score grades the essay against its prompt and returns the structured
	// result.
	Score(ctx context.Context, essay *domain.Essay) (*domain.Score, error)
}
