package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/gradewise/gradewise-api/internal/domain"
)

// EssayStore defines the interface for essay data persistence.
// Version: 1.0
type EssayStore interface {
	// Create saves a new essay to the store.
	// It handles domain validation internally.
	Create(ctx context.Context, essay *domain.Essay) error

	// GetByID retrieves an essay by its unique ID.
	// Returns ErrEssayNotFound if the essay does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Essay, error)

	// UpdateStatus updates the status of an existing essay.
	// Returns ErrEssayNotFound if the essay does not exist.
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.EssayStatus) error

	// SaveScore attaches a score to the essay and marks it scored, in one write.
	// Returns ErrEssayNotFound if the essay does not exist.
	SaveScore(ctx context.Context, id uuid.UUID, score *domain.Score) error

	// FindByStatus retrieves essays with the specified status, oldest first.
	// Returns an empty slice if no essays match.
	FindByStatus(ctx context.Context, status domain.EssayStatus, limit int) ([]*domain.Essay, error)

	// WithTx returns a new EssayStore instance that uses the provided
	// transaction. The transaction is created and managed by the caller.
	WithTx(tx *sql.Tx) EssayStore
}
