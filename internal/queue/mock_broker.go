package queue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// mockMessage is one entry in the MockBroker's queues.
type mockMessage struct {
	jobID    uuid.UUID
	payload  json.RawMessage
	priority int
	dueAt    time.Time
	seq      int
}

// MockBroker implements the Broker interface in memory for testing.
// Delivery ordering follows the real broker: priority descending, then
// enqueue order. Individual operations can be overridden through the
// Fn fields.
type MockBroker struct {
	mu       sync.Mutex
	queues   map[string][]mockMessage
	statuses map[uuid.UUID]Status
	dead     map[string][]mockMessage
	seq      int

	EnqueueFn   func(ctx context.Context, q Queue, jobID uuid.UUID, payload json.RawMessage, priority int, delay time.Duration) error
	GetStatusFn func(ctx context.Context, jobID uuid.UUID) (Status, error)
}

// NewMockBroker creates an empty MockBroker.
func NewMockBroker() *MockBroker {
	return &MockBroker{
		queues:   make(map[string][]mockMessage),
		statuses: make(map[uuid.UUID]Status),
		dead:     make(map[string][]mockMessage),
	}
}

// Enqueue places a message on the named queue.
func (m *MockBroker) Enqueue(ctx context.Context, q Queue, jobID uuid.UUID, payload json.RawMessage, priority int, delay time.Duration) error {
	if m.EnqueueFn != nil {
		return m.EnqueueFn(ctx, q, jobID, payload, priority, delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	msg := mockMessage{
		jobID:    jobID,
		payload:  payload,
		priority: priority,
		seq:      m.seq,
	}
	if delay > 0 {
		msg.dueAt = time.Now().Add(delay)
	}
	m.queues[q.Name] = append(m.queues[q.Name], msg)
	m.statuses[jobID] = StatusQueued
	return nil
}

// Dequeue pops the highest-priority deliverable message without blocking.
func (m *MockBroker) Dequeue(ctx context.Context, queues []Queue, block time.Duration) (*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, q := range queues {
		msgs := m.queues[q.Name]
		deliverable := make([]int, 0, len(msgs))
		for i, msg := range msgs {
			if msg.dueAt.IsZero() || !msg.dueAt.After(now) {
				deliverable = append(deliverable, i)
			}
		}
		if len(deliverable) == 0 {
			continue
		}
		sort.SliceStable(deliverable, func(a, b int) bool {
			ma, mb := msgs[deliverable[a]], msgs[deliverable[b]]
			if ma.priority != mb.priority {
				return ma.priority > mb.priority
			}
			return ma.seq < mb.seq
		})

		idx := deliverable[0]
		msg := msgs[idx]
		m.queues[q.Name] = append(msgs[:idx], msgs[idx+1:]...)

		if m.statuses[msg.jobID] == StatusRevoked {
			continue
		}
		m.statuses[msg.jobID] = StatusRunning
		return &Delivery{JobID: msg.jobID, Queue: q.Name, Payload: msg.payload}, nil
	}
	return nil, ErrEmptyQueue
}

// GetStatus returns the recorded status for the job ID.
func (m *MockBroker) GetStatus(ctx context.Context, jobID uuid.UUID) (Status, error) {
	if m.GetStatusFn != nil {
		return m.GetStatusFn(ctx, jobID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	status, ok := m.statuses[jobID]
	if !ok {
		return StatusUnknown, nil
	}
	return status, nil
}

// SetStatus records the status for the job ID.
func (m *MockBroker) SetStatus(ctx context.Context, jobID uuid.UUID, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[jobID] = status
	return nil
}

// Revoke marks the job revoked and drops any queued copy.
func (m *MockBroker) Revoke(ctx context.Context, jobID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.statuses[jobID] = StatusRevoked
	for name, msgs := range m.queues {
		kept := msgs[:0]
		for _, msg := range msgs {
			if msg.jobID != jobID {
				kept = append(kept, msg)
			}
		}
		m.queues[name] = kept
	}
	return nil
}

// DeadLetter records the message in the dead map keyed by the queue's
// dead-letter target.
func (m *MockBroker) DeadLetter(ctx context.Context, q Queue, jobID uuid.UUID, payload json.RawMessage, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	target := q.DeadLetter
	if target == "" {
		target = q.Name
	}
	m.dead[target] = append(m.dead[target], mockMessage{jobID: jobID, payload: payload})
	return nil
}

// PromoteDue makes delayed messages whose time has come deliverable.
func (m *MockBroker) PromoteDue(ctx context.Context, q Queue, now time.Time, batch int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	moved := 0
	msgs := m.queues[q.Name]
	for i := range msgs {
		if !msgs[i].dueAt.IsZero() && !msgs[i].dueAt.After(now) {
			msgs[i].dueAt = time.Time{}
			moved++
			if int64(moved) >= batch {
				break
			}
		}
	}
	return moved, nil
}

// Depth returns the number of messages waiting on the queue.
func (m *MockBroker) Depth(ctx context.Context, queueName string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.queues[queueName])), nil
}

// QueuedPriority returns the priority of the job's queued copy, or -1 when
// no copy is waiting on any queue.
func (m *MockBroker) QueuedPriority(jobID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msgs := range m.queues {
		for _, msg := range msgs {
			if msg.jobID == jobID {
				return msg.priority
			}
		}
	}
	return -1
}

// DeadLetters returns the messages dead-lettered onto the named queue.
func (m *MockBroker) DeadLetters(queueName string) []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]uuid.UUID, 0, len(m.dead[queueName]))
	for _, msg := range m.dead[queueName] {
		out = append(out, msg.jobID)
	}
	return out
}

var _ Broker = (*MockBroker)(nil)
