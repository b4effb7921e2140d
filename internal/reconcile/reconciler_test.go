package reconcile

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gradewise/gradewise-api/internal/domain"
	"github.com/gradewise/gradewise-api/internal/job"
	"github.com/gradewise/gradewise-api/internal/job/retry"
	"github.com/gradewise/gradewise-api/internal/queue"
	"github.com/gradewise/gradewise-api/internal/store"
)

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

type fixture struct {
	reconciler *Reconciler
	ledger     *job.MockLedger
	essays     *store.MockEssayStore
	broker     *queue.MockBroker
	notifier   *recordingNotifier
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger := job.NewMockLedger()
	essays := store.NewMockEssayStore()
	broker := queue.NewMockBroker()
	router, err := queue.DefaultRouter()
	require.NoError(t, err)

	policy := retry.DefaultPolicy()
	policy.JitterFraction = 0
	notifier := &recordingNotifier{}

	return &fixture{
		reconciler: New(nil, ledger, essays, broker, router, policy, notifier, cfg, log),
		ledger:     ledger,
		essays:     essays,
		broker:     broker,
		notifier:   notifier,
	}
}

// seedRunning inserts a Running scoring record with the given age and an
// essay in scoring status.
func seedRunning(t *testing.T, f *fixture, age time.Duration, attempts int) (*job.Record, *domain.Essay) {
	t.Helper()

	essay, err := domain.NewEssay(uuid.New(), "prompt", "text")
	require.NoError(t, err)
	require.NoError(t, f.essays.Create(context.Background(), essay))
	require.NoError(t, f.essays.UpdateStatus(context.Background(), essay.ID, domain.EssayStatusScoring))

	startedAt := time.Now().UTC().Add(-age)
	rec := &job.Record{
		JobID:        uuid.New(),
		JobType:      job.TypeScoreEssay,
		State:        job.StateRunning,
		Entity:       &job.EntityRef{Kind: job.EntityKindEssay, ID: essay.ID},
		AttemptCount: attempts,
		SubmittedAt:  startedAt,
		StartedAt:    &startedAt,
		UpdatedAt:    startedAt,
	}
	f.ledger.Seed(rec, nil)
	return rec, essay
}

func TestSweepDriftBrokerSucceeded(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{StaleAfter: time.Hour})
	rec, essay := seedRunning(t, f, time.Minute, 0)

	// The worker finished the essay and died before the ledger write.
	require.NoError(t, f.essays.SaveScore(context.Background(), essay.ID, &domain.Score{Overall: 88}))
	require.NoError(t, f.essays.UpdateStatus(context.Background(), essay.ID, domain.EssayStatusScoring))
	require.NoError(t, f.broker.SetStatus(context.Background(), rec.JobID, queue.StatusSucceeded))

	stats := f.reconciler.Sweep(context.Background())
	assert.Equal(t, 1, stats.Completed)
	assert.Zero(t, stats.Errors)

	got, err := f.ledger.Get(context.Background(), rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StateSucceeded, got.State)

	updated, err := f.essays.GetByID(context.Background(), essay.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EssayStatusScored, updated.Status)
}

func TestSweepDriftBrokerFailed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{StaleAfter: time.Hour})
	rec, essay := seedRunning(t, f, time.Minute, 0)
	require.NoError(t, f.broker.SetStatus(context.Background(), rec.JobID, queue.StatusFailed))

	stats := f.reconciler.Sweep(context.Background())
	assert.Equal(t, 1, stats.Failed)

	got, err := f.ledger.Get(context.Background(), rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StateFailed, got.State)

	updated, err := f.essays.GetByID(context.Background(), essay.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EssayStatusScoreFailed, updated.Status)
	assert.Equal(t, []uuid.UUID{rec.JobID}, f.notifier.jobIDs)
}

func TestSweepDriftBrokerRevoked(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{StaleAfter: time.Hour})
	rec, essay := seedRunning(t, f, time.Minute, 0)
	require.NoError(t, f.broker.SetStatus(context.Background(), rec.JobID, queue.StatusRevoked))

	f.reconciler.Sweep(context.Background())

	got, err := f.ledger.Get(context.Background(), rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StateCancelled, got.State)

	updated, err := f.essays.GetByID(context.Background(), essay.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EssayStatusSubmitted, updated.Status)
}

func TestSweepStaleRunningRequeued(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{StaleAfter: time.Hour})
	// Two hours old, broker has no trace of it, attempts remain.
	rec, _ := seedRunning(t, f, 2*time.Hour, 1)

	stats := f.reconciler.Sweep(context.Background())
	assert.Equal(t, 1, stats.Requeued)

	got, err := f.ledger.Get(context.Background(), rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatePending, got.State)
	// The crash consumed an attempt.
	assert.Equal(t, 2, got.AttemptCount)

	depth, err := f.broker.Depth(context.Background(), queue.QueueGradingInteractive)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestSweepStaleRunningExhaustedFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{StaleAfter: time.Hour})
	// At the score_essay retry ceiling of 5.
	rec, essay := seedRunning(t, f, 2*time.Hour, 5)

	stats := f.reconciler.Sweep(context.Background())
	assert.Equal(t, 1, stats.Failed)

	got, err := f.ledger.Get(context.Background(), rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StateFailed, got.State)

	updated, err := f.essays.GetByID(context.Background(), essay.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EssayStatusScoreFailed, updated.Status)
	assert.Equal(t, []uuid.UUID{rec.JobID}, f.notifier.jobIDs)
}

func TestSweepFreshRunningUntouched(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{StaleAfter: time.Hour})
	rec, _ := seedRunning(t, f, 5*time.Minute, 0)

	stats := f.reconciler.Sweep(context.Background())
	assert.Zero(t, stats.Requeued)
	assert.Zero(t, stats.Failed)

	got, err := f.ledger.Get(context.Background(), rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StateRunning, got.State)
}

func TestSweepPerTypeStaleThreshold(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{
		StaleAfter: 30 * time.Minute,
		StaleAfterByType: map[job.Type]time.Duration{
			job.TypeScoreEssay: 3 * time.Hour,
		},
	})
	// Past the default threshold but inside the scoring override.
	rec, _ := seedRunning(t, f, time.Hour, 0)

	f.reconciler.Sweep(context.Background())

	got, err := f.ledger.Get(context.Background(), rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StateRunning, got.State)
}

func TestSweepStrandedPendingRequeued(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{StaleAfter: time.Hour})

	// Created long ago, never enqueued: the broker has no trace of it.
	submitted := time.Now().UTC().Add(-10 * time.Minute)
	rec := &job.Record{
		JobID:       uuid.New(),
		JobType:     job.TypeScoreEssay,
		State:       job.StatePending,
		Priority:    8,
		SubmittedAt: submitted,
		UpdatedAt:   submitted,
	}
	f.ledger.Seed(rec, nil)

	stats := f.reconciler.Sweep(context.Background())
	assert.Equal(t, 1, stats.Requeued)
	assert.Zero(t, stats.Errors)

	got, err := f.ledger.Get(context.Background(), rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatePending, got.State)

	depth, err := f.broker.Depth(context.Background(), queue.QueueGradingInteractive)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
	assert.Equal(t, 8, f.broker.QueuedPriority(rec.JobID))
}

func TestSweepRecentPendingLeftAlone(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{StaleAfter: time.Hour})

	// Young enough that the enqueue may simply still be in flight.
	now := time.Now().UTC()
	rec := &job.Record{
		JobID:       uuid.New(),
		JobType:     job.TypeScoreEssay,
		State:       job.StatePending,
		SubmittedAt: now.Add(-time.Minute),
		UpdatedAt:   now.Add(-time.Minute),
	}
	f.ledger.Seed(rec, nil)

	stats := f.reconciler.Sweep(context.Background())
	assert.Zero(t, stats.Requeued)

	depth, err := f.broker.Depth(context.Background(), queue.QueueGradingInteractive)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestSweepQueuedPendingNotDoubleEnqueued(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{StaleAfter: time.Hour})

	// Old but properly enqueued; the queue is just slow to drain.
	submitted := time.Now().UTC().Add(-10 * time.Minute)
	rec := &job.Record{
		JobID:       uuid.New(),
		JobType:     job.TypeScoreEssay,
		State:       job.StatePending,
		Priority:    5,
		SubmittedAt: submitted,
		UpdatedAt:   submitted,
	}
	f.ledger.Seed(rec, nil)
	q, err := queue.DefaultRouter()
	require.NoError(t, err)
	require.NoError(t, f.broker.Enqueue(context.Background(), q.Route(rec.JobType), rec.JobID, nil, rec.Priority, 0))

	stats := f.reconciler.Sweep(context.Background())
	assert.Zero(t, stats.Requeued)

	depth, err := f.broker.Depth(context.Background(), queue.QueueGradingInteractive)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestSweepStaleRequeueKeepsPriority(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{StaleAfter: time.Hour})

	startedAt := time.Now().UTC().Add(-2 * time.Hour)
	rec := &job.Record{
		JobID:       uuid.New(),
		JobType:     job.TypeScoreEssay,
		State:       job.StateRunning,
		Priority:    9,
		SubmittedAt: startedAt,
		StartedAt:   &startedAt,
		UpdatedAt:   startedAt,
	}
	f.ledger.Seed(rec, nil)

	stats := f.reconciler.Sweep(context.Background())
	assert.Equal(t, 1, stats.Requeued)
	assert.Equal(t, 9, f.broker.QueuedPriority(rec.JobID))
}

func TestSweepOverdueRetryRequeued(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{StaleAfter: time.Hour})

	overdue := time.Now().UTC().Add(-30 * time.Minute)
	rec := &job.Record{
		JobID:        uuid.New(),
		JobType:      job.TypeScoreEssay,
		State:        job.StateRetrying,
		AttemptCount: 2,
		NextRetryAt:  &overdue,
		SubmittedAt:  time.Now().UTC().Add(-time.Hour),
		UpdatedAt:    overdue,
	}
	f.ledger.Seed(rec, nil)

	stats := f.reconciler.Sweep(context.Background())
	assert.Equal(t, 1, stats.Requeued)

	got, err := f.ledger.Get(context.Background(), rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatePending, got.State)

	depth, err := f.broker.Depth(context.Background(), queue.QueueGradingInteractive)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestSweepRecentRetryLeftAlone(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{StaleAfter: time.Hour})

	soon := time.Now().UTC().Add(-time.Minute)
	rec := &job.Record{
		JobID:       uuid.New(),
		JobType:     job.TypeScoreEssay,
		State:       job.StateRetrying,
		NextRetryAt: &soon,
		SubmittedAt: time.Now().UTC(),
		UpdatedAt:   soon,
	}
	f.ledger.Seed(rec, nil)

	stats := f.reconciler.Sweep(context.Background())
	assert.Zero(t, stats.Requeued)

	got, err := f.ledger.Get(context.Background(), rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StateRetrying, got.State)
}

func TestSweepOrphanedEssayReset(t *testing.T) {
	t.Parallel()

	// Nanosecond threshold so the just-updated essay already counts as old.
	f := newFixture(t, Config{StaleAfter: time.Nanosecond})

	essay, err := domain.NewEssay(uuid.New(), "prompt", "text")
	require.NoError(t, err)
	require.NoError(t, f.essays.Create(context.Background(), essay))
	require.NoError(t, f.essays.UpdateStatus(context.Background(), essay.ID, domain.EssayStatusScoring))

	// No job record exists for this essay.
	stats := f.reconciler.Sweep(context.Background())
	assert.Equal(t, 1, stats.Orphans)

	updated, err := f.essays.GetByID(context.Background(), essay.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EssayStatusSubmitted, updated.Status)
}

func TestSweepScoringEssayWithActiveJobNotOrphan(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{StaleAfter: time.Nanosecond})
	// seedRunning leaves the job Running with broker status unknown; the
	// staleness pass requeues it, but the essay must not be reset as an
	// orphan because an active job still covers it.
	_, essay := seedRunning(t, f, time.Hour, 0)

	stats := f.reconciler.Sweep(context.Background())
	assert.Zero(t, stats.Orphans)

	updated, err := f.essays.GetByID(context.Background(), essay.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EssayStatusScoring, updated.Status)
}
