package store

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gradewise/gradewise-api/internal/domain"
)

// MockEssayStore implements the EssayStore interface in memory for testing.
// Individual operations can be overridden through the Fn fields.
type MockEssayStore struct {
	mu     sync.RWMutex
	essays map[uuid.UUID]*domain.Essay

	GetByIDFn   func(ctx context.Context, id uuid.UUID) (*domain.Essay, error)
	SaveScoreFn func(ctx context.Context, id uuid.UUID, score *domain.Score) error
}

// NewMockEssayStore creates an empty MockEssayStore.
func NewMockEssayStore() *MockEssayStore {
	return &MockEssayStore{essays: make(map[uuid.UUID]*domain.Essay)}
}

// Create saves a new essay.
func (m *MockEssayStore) Create(ctx context.Context, essay *domain.Essay) error {
	if err := essay.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.essays[essay.ID]; exists {
		return ErrDuplicate
	}
	cp := *essay
	m.essays[essay.ID] = &cp
	return nil
}

// GetByID retrieves an essay by ID.
func (m *MockEssayStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Essay, error) {
	if m.GetByIDFn != nil {
		return m.GetByIDFn(ctx, id)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	essay, ok := m.essays[id]
	if !ok {
		return nil, ErrEssayNotFound
	}
	cp := *essay
	return &cp, nil
}

// UpdateStatus updates the essay's status.
func (m *MockEssayStore) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.EssayStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	essay, ok := m.essays[id]
	if !ok {
		return ErrEssayNotFound
	}
	essay.Status = status
	essay.UpdatedAt = time.Now().UTC()
	return nil
}

// SaveScore attaches a score and marks the essay scored.
func (m *MockEssayStore) SaveScore(ctx context.Context, id uuid.UUID, score *domain.Score) error {
	if m.SaveScoreFn != nil {
		return m.SaveScoreFn(ctx, id, score)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	essay, ok := m.essays[id]
	if !ok {
		return ErrEssayNotFound
	}
	cp := *score
	essay.Score = &cp
	essay.Status = domain.EssayStatusScored
	essay.UpdatedAt = time.Now().UTC()
	return nil
}

// FindByStatus retrieves essays with the given status.
func (m *MockEssayStore) FindByStatus(ctx context.Context, status domain.EssayStatus, limit int) ([]*domain.Essay, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.Essay
	for _, essay := range m.essays {
		if essay.Status != status {
			continue
		}
		cp := *essay
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// WithTx returns the same mock; transactions are a no-op in memory.
func (m *MockEssayStore) WithTx(tx *sql.Tx) EssayStore {
	return m
}

var _ EssayStore = (*MockEssayStore)(nil)
