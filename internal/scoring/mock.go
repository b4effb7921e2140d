package scoring

import (
	"context"

	"github.com/gradewise/gradewise-api/internal/domain"
)

// MockScorer is a configurable Scorer for tests.
type MockScorer struct {
	// ScoreFn, when set, replaces the default behavior.
	ScoreFn func(ctx context.Context, essay *domain.Essay) (*domain.Score, error)

	// Calls counts invocations.
	Calls int
}

// Score implements the Scorer interface.
func (m *MockScorer) Score(ctx context.Context, essay *domain.Essay) (*domain.Score, error) {
	m.Calls++
	if m.ScoreFn != nil {
		return m.ScoreFn(ctx, essay)
	}
	return &domain.Score{Overall: 75, Feedback: "mock feedback"}, nil
}

var _ Scorer = (*MockScorer)(nil)
