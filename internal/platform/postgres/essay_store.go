package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gradewise/gradewise-api/internal/domain"
	"github.com/gradewise/gradewise-api/internal/platform/logger"
	"github.com/gradewise/gradewise-api/internal/store"
)

// EssayStore implements the store.EssayStore interface using PostgreSQL.
type EssayStore struct {
	db store.DBTX
}

// NewEssayStore creates a new EssayStore.
func NewEssayStore(db store.DBTX) *EssayStore {
	return &EssayStore{db: db}
}

// WithTx returns an EssayStore bound to the provided transaction.
func (s *EssayStore) WithTx(tx *sql.Tx) store.EssayStore {
	return &EssayStore{db: tx}
}

// Create saves a new essay to the store.
func (s *EssayStore) Create(ctx context.Context, essay *domain.Essay) error {
	log := logger.FromContext(ctx)

	if err := essay.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	query := `
		INSERT INTO essays (id, author_id, prompt, text, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := s.db.ExecContext(ctx, query,
		essay.ID,
		essay.AuthorID,
		essay.Prompt,
		essay.Text,
		essay.Status,
		essay.CreatedAt,
		essay.UpdatedAt,
	)
	if err != nil {
		log.Error("failed to save essay", "essay_id", essay.ID, "error", err)
		return fmt.Errorf("failed to save essay: %w", err)
	}
	return nil
}

// GetByID retrieves an essay by its unique ID.
func (s *EssayStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Essay, error) {
	query := `
		SELECT id, author_id, prompt, text, status, score, created_at, updated_at
		FROM essays
		WHERE id = $1
	`

	var essay domain.Essay
	var score []byte
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&essay.ID,
		&essay.AuthorID,
		&essay.Prompt,
		&essay.Text,
		&essay.Status,
		&score,
		&essay.CreatedAt,
		&essay.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, store.ErrEssayNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get essay: %w", err)
	}

	if score != nil {
		var sc domain.Score
		if err := json.Unmarshal(score, &sc); err != nil {
			return nil, fmt.Errorf("failed to decode essay score: %w", err)
		}
		essay.Score = &sc
	}
	return &essay, nil
}

// UpdateStatus updates the status of an existing essay.
func (s *EssayStore) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.EssayStatus) error {
	log := logger.FromContext(ctx)

	query := `UPDATE essays SET status = $1, updated_at = $2 WHERE id = $3`

	result, err := s.db.ExecContext(ctx, query, status, time.Now().UTC(), id)
	if err != nil {
		log.Error("failed to update essay status", "essay_id", id, "status", status, "error", err)
		return fmt.Errorf("%w: essay status: %w", store.ErrUpdateFailed, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return store.ErrEssayNotFound
	}
	return nil
}

// SaveScore attaches a score to the essay and marks it scored.
func (s *EssayStore) SaveScore(ctx context.Context, id uuid.UUID, score *domain.Score) error {
	log := logger.FromContext(ctx)

	encoded, err := json.Marshal(score)
	if err != nil {
		return fmt.Errorf("failed to encode essay score: %w", err)
	}

	query := `UPDATE essays SET score = $1, status = $2, updated_at = $3 WHERE id = $4`

	result, err := s.db.ExecContext(ctx, query, encoded, domain.EssayStatusScored, time.Now().UTC(), id)
	if err != nil {
		log.Error("failed to save essay score", "essay_id", id, "error", err)
		return fmt.Errorf("%w: essay score: %w", store.ErrUpdateFailed, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return store.ErrEssayNotFound
	}
	return nil
}

// FindByStatus retrieves essays with the specified status, oldest first.
func (s *EssayStore) FindByStatus(ctx context.Context, status domain.EssayStatus, limit int) ([]*domain.Essay, error) {
	query := `
		SELECT id, author_id, prompt, text, status, score, created_at, updated_at
		FROM essays
		WHERE status = $1
		ORDER BY updated_at ASC
	`
	args := []any{status}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query essays by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var essays []*domain.Essay
	for rows.Next() {
		var essay domain.Essay
		var score []byte
		if err := rows.Scan(
			&essay.ID,
			&essay.AuthorID,
			&essay.Prompt,
			&essay.Text,
			&essay.Status,
			&score,
			&essay.CreatedAt,
			&essay.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan essay row: %w", err)
		}
		if score != nil {
			var sc domain.Score
			if err := json.Unmarshal(score, &sc); err != nil {
				return nil, fmt.Errorf("failed to decode essay score: %w", err)
			}
			essay.Score = &sc
		}
		essays = append(essays, &essay)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating essay rows: %w", err)
	}
	return essays, nil
}

var _ store.EssayStore = (*EssayStore)(nil)
