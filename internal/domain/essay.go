// Package domain holds the business entities the orchestration layer acts
// on. The ledger references them; the reconciler keeps their status fields
// consistent with the ledger's view.
package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// EssayStatus represents the grading state of an essay.
type EssayStatus string

// Possible essay status values.
const (
	// EssayStatusSubmitted means the essay is awaiting grading.
	EssayStatusSubmitted EssayStatus = "submitted"

	// EssayStatusScoring means a grading job is in flight for the essay.
	EssayStatusScoring EssayStatus = "scoring"

	// EssayStatusScored means grading finished and a score is attached.
	EssayStatusScored EssayStatus = "scored"

	// EssayStatusScoreFailed means grading failed terminally; an operator
	// or a batch rescore may resubmit.
	EssayStatusScoreFailed EssayStatus = "score_failed"
)

// Common validation errors for Essay.
var (
	ErrEmptyEssayID       = errors.New("essay ID cannot be empty")
	ErrEmptyEssayAuthorID = errors.New("essay author ID cannot be empty")
	ErrEmptyEssayText     = errors.New("essay text cannot be empty")
	ErrInvalidEssayStatus = errors.New("invalid essay status")
)

// Essay represents a submitted essay and its grading state.
type Essay struct {
	ID        uuid.UUID   `json:"id"`
	AuthorID  uuid.UUID   `json:"author_id"`
	Prompt    string      `json:"prompt"`
	Text      string      `json:"text"`
	Status    EssayStatus `json:"status"`
	Score     *Score      `json:"score,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Score is the structured grading result attached to a scored essay.
type Score struct {
	// Overall is the headline grade on a 0-100 scale.
	Overall float64 `json:"overall"`

	// Dimensions breaks the grade down by rubric dimension
	// (e.g., "coherence", "grammar", "argumentation").
	Dimensions map[string]float64 `json:"dimensions,omitempty"`

	// Feedback is the grader's prose feedback for the author.
	Feedback string `json:"feedback,omitempty"`
}

// NewEssay creates a new Essay in submitted state.
// Returns an error if validation fails.
func NewEssay(authorID uuid.UUID, prompt, text string) (*Essay, error) {
	essay := &Essay{
		ID:        uuid.New(),
		AuthorID:  authorID,
		Prompt:    prompt,
		Text:      text,
		Status:    EssayStatusSubmitted,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	if err := essay.Validate(); err != nil {
		return nil, err
	}

	return essay, nil
}

// Validate checks if the Essay has valid data.
func (e *Essay) Validate() error {
	if e.ID == uuid.Nil {
		return ErrEmptyEssayID
	}

	if e.AuthorID == uuid.Nil {
		return ErrEmptyEssayAuthorID
	}

	if e.Text == "" {
		return ErrEmptyEssayText
	}

	if !isValidEssayStatus(e.Status) {
		return ErrInvalidEssayStatus
	}

	return nil
}

// Graded reports whether the essay is already in a terminal "done" state.
// The job wrapper's idempotency check keys off this.
func (e *Essay) Graded() bool {
	return e.Status == EssayStatusScored
}

func isValidEssayStatus(s EssayStatus) bool {
	switch s {
	case EssayStatusSubmitted, EssayStatusScoring, EssayStatusScored, EssayStatusScoreFailed:
		return true
	}
	return false
}
