package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gradewise/gradewise-api/internal/events"
	"github.com/gradewise/gradewise-api/internal/job"
	"github.com/gradewise/gradewise-api/internal/job/retry"
	"github.com/gradewise/gradewise-api/internal/queue"
)

// fakeHandler implements job.Handler plus the optional wrapper interfaces,
// with each behavior injectable per test.
type fakeHandler struct {
	mu        sync.Mutex
	execCalls int
	finalized []uuid.UUID

	executeFn  func(ctx context.Context, rec *job.Record, payload json.RawMessage) (json.RawMessage, error)
	validateFn func(payload json.RawMessage) error
	completeFn func(ctx context.Context, rec *job.Record) (bool, error)
}

func (h *fakeHandler) Execute(ctx context.Context, rec *job.Record, payload json.RawMessage) (json.RawMessage, error) {
	h.mu.Lock()
	h.execCalls++
	h.mu.Unlock()
	if h.executeFn != nil {
		return h.executeFn(ctx, rec, payload)
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func (h *fakeHandler) ValidatePayload(payload json.RawMessage) error {
	if h.validateFn != nil {
		return h.validateFn(payload)
	}
	return nil
}

func (h *fakeHandler) AlreadyComplete(ctx context.Context, rec *job.Record) (bool, error) {
	if h.completeFn != nil {
		return h.completeFn(ctx, rec)
	}
	return false, nil
}

func (h *fakeHandler) OnTerminalFailure(ctx context.Context, rec *job.Record) {
	h.mu.Lock()
	h.finalized = append(h.finalized, rec.JobID)
	h.mu.Unlock()
}

func (h *fakeHandler) executions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.execCalls
}

// recordingNotifier captures failure notifications.
type recordingNotifier struct {
	mu     sync.Mutex
	jobIDs []uuid.UUID
}

func (n *recordingNotifier) NotifyFailure(ctx context.Context, jobID uuid.UUID, entity *job.EntityRef, cause string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobIDs = append(n.jobIDs, jobID)
	return nil
}

func (n *recordingNotifier) notified() []uuid.UUID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]uuid.UUID(nil), n.jobIDs...)
}

// captureEvents records emitted lifecycle transitions in order.
type captureEvents struct {
	mu     sync.Mutex
	events []events.LifecycleEvent
}

func (c *captureEvents) HandleEvent(ctx context.Context, event events.LifecycleEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureEvents) transitions() []job.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]job.State, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Transition)
	}
	return out
}

type wrapperFixture struct {
	wrapper  *Wrapper
	ledger   *job.MockLedger
	broker   *queue.MockBroker
	handler  *fakeHandler
	notifier *recordingNotifier
	captured *captureEvents
}

func newWrapperFixture(t *testing.T, handler *fakeHandler, cfg WrapperConfig) *wrapperFixture {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger := job.NewMockLedger()
	broker := queue.NewMockBroker()
	router, err := queue.DefaultRouter()
	require.NoError(t, err)

	registry, err := job.NewRegistry(map[job.Type]job.Handler{
		job.TypeScoreEssay: handler,
	})
	require.NoError(t, err)

	policy := retry.DefaultPolicy()
	policy.JitterFraction = 0

	notifier := &recordingNotifier{}
	captured := &captureEvents{}
	bus := events.NewBus(log)
	bus.RegisterHandler(captured)

	if cfg.WorkerID == "" {
		cfg.WorkerID = "test-worker-1"
	}

	return &wrapperFixture{
		wrapper:  NewWrapper(ledger, broker, router, registry, policy, notifier, bus, cfg, log),
		ledger:   ledger,
		broker:   broker,
		handler:  handler,
		notifier: notifier,
		captured: captured,
	}
}

func seedPending(f *wrapperFixture, t *testing.T) *job.Record {
	t.Helper()
	rec, err := f.ledger.Create(context.Background(), job.CreateParams{
		JobID:   uuid.New(),
		JobType: job.TypeScoreEssay,
		Entity:   &job.EntityRef{Kind: job.EntityKindEssay, ID: uuid.New()},
		Payload:  json.RawMessage(`{"essay_id":"x"}`),
		Priority: 6,
	})
	require.NoError(t, err)
	return rec
}

func TestExecuteSuccess(t *testing.T) {
	t.Parallel()

	handler := &fakeHandler{}
	f := newWrapperFixture(t, handler, WrapperConfig{})
	rec := seedPending(f, t)

	err := f.wrapper.Execute(context.Background(), rec.JobID, json.RawMessage(`{}`))
	require.NoError(t, err)

	got, err := f.ledger.Get(context.Background(), rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StateSucceeded, got.State)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))
	assert.Equal(t, "test-worker-1", got.WorkerID)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)

	status, err := f.broker.GetStatus(context.Background(), rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusSucceeded, status)

	assert.Equal(t, []job.State{job.StateRunning, job.StateSucceeded}, f.captured.transitions())
}

func TestExecuteValidationFailureNeverRetries(t *testing.T) {
	t.Parallel()

	handler := &fakeHandler{
		validateFn: func(payload json.RawMessage) error {
			return errors.New("essay_id missing")
		},
	}
	f := newWrapperFixture(t, handler, WrapperConfig{})
	rec := seedPending(f, t)

	err := f.wrapper.Execute(context.Background(), rec.JobID, json.RawMessage(`{}`))
	require.NoError(t, err)

	got, err := f.ledger.Get(context.Background(), rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StateFailed, got.State)
	assert.Zero(t, got.AttemptCount)
	assert.Contains(t, got.ErrorMessage, "essay_id missing")

	// The handler never ran, the finalizer did, the notifier fired.
	assert.Zero(t, handler.executions())
	assert.Equal(t, []uuid.UUID{rec.JobID}, handler.finalized)
	assert.Equal(t, []uuid.UUID{rec.JobID}, f.notifier.notified())
}

func TestExecuteIdempotentSkip(t *testing.T) {
	t.Parallel()

	handler := &fakeHandler{
		completeFn: func(ctx context.Context, rec *job.Record) (bool, error) {
			return true, nil
		},
	}
	f := newWrapperFixture(t, handler, WrapperConfig{})
	rec := seedPending(f, t)

	err := f.wrapper.Execute(context.Background(), rec.JobID, json.RawMessage(`{}`))
	require.NoError(t, err)

	got, err := f.ledger.Get(context.Background(), rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StateSucceeded, got.State)
	assert.JSONEq(t, `{"skipped":true}`, string(got.Result))
	assert.Zero(t, handler.executions())
}

func TestExecuteTransientFailureSchedulesRetry(t *testing.T) {
	t.Parallel()

	handler := &fakeHandler{
		executeFn: func(ctx context.Context, rec *job.Record, payload json.RawMessage) (json.RawMessage, error) {
			return nil, job.TransientErrorf("scoring API unavailable")
		},
	}
	f := newWrapperFixture(t, handler, WrapperConfig{})
	rec := seedPending(f, t)

	err := f.wrapper.Execute(context.Background(), rec.JobID, json.RawMessage(`{}`))
	require.NoError(t, err)

	got, err := f.ledger.Get(context.Background(), rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StateRetrying, got.State)
	assert.Equal(t, 1, got.AttemptCount)
	require.NotNil(t, got.NextRetryAt)
	assert.WithinDuration(t, time.Now().Add(3*time.Second), *got.NextRetryAt, 2*time.Second)

	// The retry message went back onto the scoring queue at the
	// submission's own priority.
	depth, err := f.broker.Depth(context.Background(), queue.QueueGradingInteractive)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
	assert.Equal(t, 6, f.broker.QueuedPriority(rec.JobID))

	assert.Empty(t, f.notifier.notified())
}

func TestExecuteRetriesExhaustedFails(t *testing.T) {
	t.Parallel()

	handler := &fakeHandler{
		executeFn: func(ctx context.Context, rec *job.Record, payload json.RawMessage) (json.RawMessage, error) {
			return nil, job.TransientErrorf("still down")
		},
	}
	f := newWrapperFixture(t, handler, WrapperConfig{})
	rec := seedPending(f, t)

	// score_essay allows 5 attempts; seed a redelivery at the ceiling.
	retrying := *rec
	retrying.State = job.StateRetrying
	retrying.AttemptCount = 5
	f.ledger.Seed(&retrying, nil)

	err := f.wrapper.Execute(context.Background(), rec.JobID, json.RawMessage(`{}`))
	require.NoError(t, err)

	got, err := f.ledger.Get(context.Background(), rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StateFailed, got.State)
	assert.Equal(t, []uuid.UUID{rec.JobID}, f.notifier.notified())
}

func TestExecuteUnknownClassRetriesOnce(t *testing.T) {
	t.Parallel()

	handler := &fakeHandler{
		executeFn: func(ctx context.Context, rec *job.Record, payload json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("unclassified explosion")
		},
	}
	f := newWrapperFixture(t, handler, WrapperConfig{})
	rec := seedPending(f, t)

	// First delivery: attempt 0, the unknown heuristic grants one retry.
	require.NoError(t, f.wrapper.Execute(context.Background(), rec.JobID, json.RawMessage(`{}`)))
	got, err := f.ledger.Get(context.Background(), rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StateRetrying, got.State)
	assert.Equal(t, 1, got.AttemptCount)

	// Second delivery fails terminally.
	require.NoError(t, f.wrapper.Execute(context.Background(), rec.JobID, json.RawMessage(`{}`)))
	got, err = f.ledger.Get(context.Background(), rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StateFailed, got.State)
}

func TestExecuteDuplicateDeliveryOfTerminalRecord(t *testing.T) {
	t.Parallel()

	handler := &fakeHandler{}
	f := newWrapperFixture(t, handler, WrapperConfig{})
	rec := seedPending(f, t)

	done := *rec
	done.State = job.StateSucceeded
	f.ledger.Seed(&done, nil)

	err := f.wrapper.Execute(context.Background(), rec.JobID, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Zero(t, handler.executions())
	assert.Empty(t, f.captured.transitions())
}

func TestExecuteClaimRaceLoserNoOps(t *testing.T) {
	t.Parallel()

	handler := &fakeHandler{}
	f := newWrapperFixture(t, handler, WrapperConfig{WorkerID: "loser"})
	rec := seedPending(f, t)

	claimed := *rec
	claimed.State = job.StateRunning
	claimed.WorkerID = "winner"
	f.ledger.Seed(&claimed, nil)

	err := f.wrapper.Execute(context.Background(), rec.JobID, json.RawMessage(`{}`))
	require.NoError(t, err)

	got, err := f.ledger.Get(context.Background(), rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StateRunning, got.State)
	assert.Equal(t, "winner", got.WorkerID)
	assert.Zero(t, handler.executions())
}

func TestExecuteMissingRecordReturnsError(t *testing.T) {
	t.Parallel()

	handler := &fakeHandler{}
	f := newWrapperFixture(t, handler, WrapperConfig{})

	err := f.wrapper.Execute(context.Background(), uuid.New(), json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestExecuteUnregisteredTypeFailsTerminally(t *testing.T) {
	t.Parallel()

	handler := &fakeHandler{}
	f := newWrapperFixture(t, handler, WrapperConfig{})

	// Registered handlers cover score_essay only.
	rec, err := f.ledger.Create(context.Background(), job.CreateParams{
		JobID:   uuid.New(),
		JobType: job.TypeRescoreBatch,
	})
	require.NoError(t, err)

	require.NoError(t, f.wrapper.Execute(context.Background(), rec.JobID, json.RawMessage(`{}`)))

	got, err := f.ledger.Get(context.Background(), rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StateFailed, got.State)
	assert.Contains(t, got.ErrorMessage, "unknown job type")
}

func TestExecuteSoftLimitClassifiedTransient(t *testing.T) {
	t.Parallel()

	handler := &fakeHandler{
		executeFn: func(ctx context.Context, rec *job.Record, payload json.RawMessage) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	f := newWrapperFixture(t, handler, WrapperConfig{
		SoftTimeLimit: 20 * time.Millisecond,
	})
	rec := seedPending(f, t)

	require.NoError(t, f.wrapper.Execute(context.Background(), rec.JobID, json.RawMessage(`{}`)))

	got, err := f.ledger.Get(context.Background(), rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StateRetrying, got.State)
}

func TestExecuteHardLimitAbandonsSlot(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	defer close(block)

	handler := &fakeHandler{
		executeFn: func(ctx context.Context, rec *job.Record, payload json.RawMessage) (json.RawMessage, error) {
			// Ignores cancellation entirely.
			<-block
			return nil, nil
		},
	}
	f := newWrapperFixture(t, handler, WrapperConfig{
		SoftTimeLimit: 10 * time.Millisecond,
		HardTimeLimit: 50 * time.Millisecond,
	})
	rec := seedPending(f, t)

	err := f.wrapper.Execute(context.Background(), rec.JobID, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrHardTimeLimit)

	// No ledger write on abandonment: the record stays Running for the
	// reconciler's staleness pass.
	got, err := f.ledger.Get(context.Background(), rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StateRunning, got.State)
}
