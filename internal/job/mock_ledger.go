package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gradewise/gradewise-api/internal/store"
)

// MockLedger implements the Ledger interface in memory for testing. The
// default behavior enforces the real state-machine guard so tests exercise
// the same transition semantics as the SQL implementation; individual
// operations can be overridden through the Fn fields.
type MockLedger struct {
	mu       sync.RWMutex
	records  map[uuid.UUID]*Record
	payloads map[uuid.UUID]json.RawMessage

	CreateFn     func(ctx context.Context, params CreateParams) (*Record, error)
	GetFn        func(ctx context.Context, jobID uuid.UUID) (*Record, error)
	TransitionFn func(ctx context.Context, jobID uuid.UUID, newState State, changes TransitionChanges) (*Record, error)
	FindFn       func(ctx context.Context, q Query) ([]*Record, error)
}

// NewMockLedger creates an empty MockLedger.
func NewMockLedger() *MockLedger {
	return &MockLedger{
		records:  make(map[uuid.UUID]*Record),
		payloads: make(map[uuid.UUID]json.RawMessage),
	}
}

// Seed inserts a record directly, bypassing the Pending-only creation
// path, so tests can start from any state.
func (m *MockLedger) Seed(rec *Record, payload json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records[rec.JobID] = &cp
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}
	m.payloads[rec.JobID] = payload
}

// Create persists a new record in Pending state.
func (m *MockLedger) Create(ctx context.Context, params CreateParams) (*Record, error) {
	if m.CreateFn != nil {
		return m.CreateFn(ctx, params)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[params.JobID]; exists {
		return nil, store.ErrJobExists
	}

	now := time.Now().UTC()
	rec := &Record{
		JobID:       params.JobID,
		JobType:     params.JobType,
		State:       StatePending,
		Entity:      params.Entity,
		Priority:    params.Priority,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	m.records[params.JobID] = rec
	payload := params.Payload
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}
	m.payloads[params.JobID] = payload

	cp := *rec
	return &cp, nil
}

// Get returns the record for the given job ID.
func (m *MockLedger) Get(ctx context.Context, jobID uuid.UUID) (*Record, error) {
	if m.GetFn != nil {
		return m.GetFn(ctx, jobID)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[jobID]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	cp := *rec
	return &cp, nil
}

// Payload returns the stored submission payload.
func (m *MockLedger) Payload(ctx context.Context, jobID uuid.UUID) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	payload, ok := m.payloads[jobID]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	return payload, nil
}

// Transition applies the same monotonic guard as the SQL ledger.
func (m *MockLedger) Transition(ctx context.Context, jobID uuid.UUID, newState State, changes TransitionChanges) (*Record, error) {
	if m.TransitionFn != nil {
		return m.TransitionFn(ctx, jobID, newState, changes)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[jobID]
	if !ok {
		return nil, store.ErrJobNotFound
	}

	// Idempotent no-ops mirror the SQL implementation.
	if rec.State == newState || (rec.State.Terminal() && newState.Terminal()) {
		cp := *rec
		return &cp, nil
	}
	if !CanTransition(rec.State, newState) {
		return nil, ErrInvalidTransition
	}

	now := time.Now().UTC()
	rec.State = newState
	rec.UpdatedAt = now
	if newState == StateRunning && rec.StartedAt == nil {
		rec.StartedAt = &now
	}
	if newState.Terminal() && rec.CompletedAt == nil {
		rec.CompletedAt = &now
	}
	if changes.WorkerID != nil {
		rec.WorkerID = *changes.WorkerID
	}
	if changes.AttemptCount != nil {
		rec.AttemptCount = *changes.AttemptCount
	}
	if changes.Result != nil {
		rec.Result = changes.Result
	}
	if changes.ErrorMessage != nil {
		rec.ErrorMessage = *changes.ErrorMessage
	}
	if changes.NextRetryAt != nil {
		rec.NextRetryAt = changes.NextRetryAt
	}

	cp := *rec
	return &cp, nil
}

// Find returns records matching the query.
func (m *MockLedger) Find(ctx context.Context, q Query) ([]*Record, error) {
	if m.FindFn != nil {
		return m.FindFn(ctx, q)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Record
	for _, rec := range m.records {
		if !matchesQuery(rec, q) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// FindActiveByEntity returns the non-terminal record acting on the entity.
func (m *MockLedger) FindActiveByEntity(ctx context.Context, entity EntityRef) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rec := range m.records {
		if rec.State.Terminal() || rec.Entity == nil {
			continue
		}
		if rec.Entity.Kind == entity.Kind && rec.Entity.ID == entity.ID {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, store.ErrJobNotFound
}

// DeleteTerminalBefore removes terminal records completed before cutoff.
func (m *MockLedger) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, rec := range m.records {
		if rec.State.Terminal() && rec.CompletedAt != nil && rec.CompletedAt.Before(cutoff) {
			delete(m.records, id)
			delete(m.payloads, id)
			deleted++
		}
	}
	return deleted, nil
}

// WithTx returns the same mock; transactions are a no-op in memory.
func (m *MockLedger) WithTx(tx *sql.Tx) Ledger {
	return m
}

func matchesQuery(rec *Record, q Query) bool {
	if len(q.States) > 0 {
		found := false
		for _, s := range q.States {
			if rec.State == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.JobType != "" && rec.JobType != q.JobType {
		return false
	}
	if q.Entity != nil {
		if rec.Entity == nil || rec.Entity.Kind != q.Entity.Kind || rec.Entity.ID != q.Entity.ID {
			return false
		}
	}
	if !q.StartedBefore.IsZero() {
		if rec.StartedAt == nil || !rec.StartedAt.Before(q.StartedBefore) {
			return false
		}
	}
	if !q.CreatedBefore.IsZero() && !rec.SubmittedAt.Before(q.CreatedBefore) {
		return false
	}
	return true
}

var _ Ledger = (*MockLedger)(nil)
