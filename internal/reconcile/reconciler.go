// Package reconcile implements the self-healing sweep that cross-checks
// the job ledger, the domain entities, and the broker's live status, and
// repairs the drift left behind by crashed or lost workers.
package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/gradewise/gradewise-api/internal/domain"
	"github.com/gradewise/gradewise-api/internal/job"
	"github.com/gradewise/gradewise-api/internal/job/retry"
	"github.com/gradewise/gradewise-api/internal/notify"
	"github.com/gradewise/gradewise-api/internal/platform/logger"
	"github.com/gradewise/gradewise-api/internal/queue"
	"github.com/gradewise/gradewise-api/internal/store"
)

// sweepLimit bounds how many records one sweep examines per pass, so a
// backlog cannot turn the sweep into a long-running transaction festival.
const sweepLimit = 500

// retryGrace is how far past next_retry_at a Retrying record may sit
// before the sweep considers the re-enqueue lost.
const retryGrace = 5 * time.Minute

// pendingGrace is how old a Pending record may be before a broker that
// does not know it means the enqueue was lost, not merely in flight.
const pendingGrace = 5 * time.Minute

// Config holds the reconciler's tunables.
type Config struct {
	// StaleAfter is the default age past which a Running record with no
	// corroborating broker status is treated as stale.
	StaleAfter time.Duration

	// StaleAfterByType overrides the threshold per job type; long-running
	// scoring calls get a longer leash than maintenance jobs.
	StaleAfterByType map[job.Type]time.Duration
}

// Stats counts what one sweep did. Failures are counted, never raised.
type Stats struct {
	Checked   int
	Completed int
	Failed    int
	Requeued  int
	Orphans   int
	Errors    int
}

// Reconciler periodically repairs drift between the ledger, the domain
// entities, and the broker. Each record is reconciled inside its own
// transaction so one bad record cannot block the rest of the sweep.
type Reconciler struct {
	db       *sql.DB
	ledger   job.Ledger
	essays   store.EssayStore
	broker   queue.Broker
	router   *queue.Router
	policy   *retry.Policy
	notifier notify.Notifier
	config   Config
	logger   *slog.Logger
}

// New creates a Reconciler.
func New(
	db *sql.DB,
	ledger job.Ledger,
	essays store.EssayStore,
	broker queue.Broker,
	router *queue.Router,
	policy *retry.Policy,
	notifier notify.Notifier,
	config Config,
	log *slog.Logger,
) *Reconciler {
	if config.StaleAfter <= 0 {
		config.StaleAfter = time.Hour
	}
	return &Reconciler{
		db:       db,
		ledger:   ledger,
		essays:   essays,
		broker:   broker,
		router:   router,
		policy:   policy,
		notifier: notifier,
		config:   config,
		logger:   log.With("component", "reconciler"),
	}
}

// Sweep runs the drift pass over Running records, the stranded-submission
// pass over Pending records, the overdue-retry pass over Retrying records,
// and the orphan pass over scoring essays. It never returns an error:
// per-record failures are logged and counted.
func (r *Reconciler) Sweep(ctx context.Context) Stats {
	stats := Stats{}
	ctx = logger.WithLogger(ctx, r.logger)

	r.sweepRunning(ctx, &stats)
	r.sweepStrandedPending(ctx, &stats)
	r.sweepOverdueRetries(ctx, &stats)
	r.sweepOrphanedEssays(ctx, &stats)

	r.logger.Info("reconciliation sweep finished",
		"checked", stats.Checked,
		"completed", stats.Completed,
		"failed", stats.Failed,
		"requeued", stats.Requeued,
		"orphans", stats.Orphans,
		"errors", stats.Errors)
	return stats
}

// sweepRunning cross-checks every Running record against the broker.
func (r *Reconciler) sweepRunning(ctx context.Context, stats *Stats) {
	records, err := r.ledger.Find(ctx, job.Query{
		States: []job.State{job.StateRunning},
		Limit:  sweepLimit,
	})
	if err != nil {
		r.logger.Error("failed to list running records", "error", err)
		stats.Errors++
		return
	}

	for _, rec := range records {
		stats.Checked++
		if err := r.reconcileRunning(ctx, rec, stats); err != nil {
			r.logger.Error("failed to reconcile record",
				"job_id", rec.JobID,
				"error", err)
			stats.Errors++
		}
	}
}

// reconcileRunning repairs one Running record based on the broker's view.
func (r *Reconciler) reconcileRunning(ctx context.Context, rec *job.Record, stats *Stats) error {
	status, err := r.broker.GetStatus(ctx, rec.JobID)
	if err != nil {
		return fmt.Errorf("failed to query broker status: %w", err)
	}

	switch status {
	case queue.StatusSucceeded:
		// The broker saw the job finish but the ledger write was lost.
		return r.inTx(ctx, func(ledger job.Ledger, essays store.EssayStore) error {
			if _, err := ledger.Transition(ctx, rec.JobID, job.StateSucceeded, job.TransitionChanges{}); err != nil {
				return err
			}
			stats.Completed++
			return r.propagateSuccess(ctx, essays, rec)
		})

	case queue.StatusFailed:
		return r.inTx(ctx, func(ledger job.Ledger, essays store.EssayStore) error {
			msg := "worker lost after failure; declared failed by reconciler"
			if _, err := ledger.Transition(ctx, rec.JobID, job.StateFailed, job.TransitionChanges{
				ErrorMessage: &msg,
			}); err != nil {
				return err
			}
			stats.Failed++
			r.propagateFailure(ctx, essays, rec)
			if err := r.notifier.NotifyFailure(ctx, rec.JobID, rec.Entity, msg); err != nil {
				logger.FromContext(ctx).Error("failure notification could not be dispatched", "error", err)
			}
			return nil
		})

	case queue.StatusRevoked:
		return r.inTx(ctx, func(ledger job.Ledger, essays store.EssayStore) error {
			if _, err := ledger.Transition(ctx, rec.JobID, job.StateCancelled, job.TransitionChanges{}); err != nil {
				return err
			}
			stats.Failed++
			r.resetEntity(ctx, essays, rec)
			return nil
		})

	case queue.StatusRunning, queue.StatusQueued:
		// Corroborated live; nothing to repair.
		return nil

	case queue.StatusUnknown:
		return r.handleStale(ctx, rec, stats)

	default:
		return nil
	}
}

// handleStale resets a stale Running record for re-submission, or fails it
// when its retry budget is spent.
func (r *Reconciler) handleStale(ctx context.Context, rec *job.Record, stats *Stats) error {
	threshold := r.staleThreshold(rec.JobType)
	if rec.StartedAt == nil || time.Since(*rec.StartedAt) < threshold {
		return nil
	}

	log := logger.FromContext(ctx).With("job_id", rec.JobID, "job_type", rec.JobType)

	// A crash consumes an attempt, otherwise a poison job that kills its
	// worker would requeue forever.
	if !r.policy.Decide(job.ClassTransient, rec.AttemptCount, rec.JobType).Retry {
		return r.inTx(ctx, func(ledger job.Ledger, essays store.EssayStore) error {
			msg := "worker lost and retries exhausted"
			if _, err := ledger.Transition(ctx, rec.JobID, job.StateFailed, job.TransitionChanges{
				ErrorMessage: &msg,
			}); err != nil {
				return err
			}
			stats.Failed++
			r.propagateFailure(ctx, essays, rec)
			if err := r.notifier.NotifyFailure(ctx, rec.JobID, rec.Entity, msg); err != nil {
				log.Error("failure notification could not be dispatched", "error", err)
			}
			log.Warn("stale job declared failed")
			return nil
		})
	}

	attempts := rec.AttemptCount + 1
	msg := "reset after being stale in running state"
	if _, err := r.ledger.Transition(ctx, rec.JobID, job.StatePending, job.TransitionChanges{
		AttemptCount: &attempts,
		ErrorMessage: &msg,
	}); err != nil {
		return err
	}

	payload, err := r.ledger.Payload(ctx, rec.JobID)
	if err != nil {
		return fmt.Errorf("failed to reload payload for requeue: %w", err)
	}
	q := r.router.Route(rec.JobType)
	if err := r.broker.Enqueue(ctx, q, rec.JobID, payload, rec.Priority, 0); err != nil {
		return fmt.Errorf("failed to requeue stale job: %w", err)
	}

	stats.Requeued++
	log.Info("requeued stale job", "attempt", attempts)
	return nil
}

// sweepStrandedPending re-enqueues Pending records the broker has never
// heard of. An enqueue that failed at submission time leaves exactly this
// shape behind: a ledger record with no message, onto which every later
// submission for the same entity coalesces.
func (r *Reconciler) sweepStrandedPending(ctx context.Context, stats *Stats) {
	records, err := r.ledger.Find(ctx, job.Query{
		States:        []job.State{job.StatePending},
		CreatedBefore: time.Now().UTC().Add(-pendingGrace),
		Limit:         sweepLimit,
	})
	if err != nil {
		r.logger.Error("failed to list pending records", "error", err)
		stats.Errors++
		return
	}

	for _, rec := range records {
		stats.Checked++

		status, err := r.broker.GetStatus(ctx, rec.JobID)
		if err != nil {
			r.logger.Error("failed to query broker status for pending record",
				"job_id", rec.JobID, "error", err)
			stats.Errors++
			continue
		}
		// Anything but unknown means a message exists (queued, delayed, or
		// already picked up); only a void gets repaired.
		if status != queue.StatusUnknown {
			continue
		}

		payload, err := r.ledger.Payload(ctx, rec.JobID)
		if err != nil {
			r.logger.Error("failed to reload payload for stranded submission",
				"job_id", rec.JobID, "error", err)
			stats.Errors++
			continue
		}
		q := r.router.Route(rec.JobType)
		if err := r.broker.Enqueue(ctx, q, rec.JobID, payload, rec.Priority, 0); err != nil {
			r.logger.Error("failed to enqueue stranded submission",
				"job_id", rec.JobID, "error", err)
			stats.Errors++
			continue
		}
		stats.Requeued++
		r.logger.Info("enqueued stranded pending submission",
			"job_id", rec.JobID,
			"job_type", rec.JobType,
			"age", time.Since(rec.SubmittedAt))
	}
}

// sweepOverdueRetries re-enqueues Retrying records whose backoff elapsed
// long ago with no delivery, which means the delayed message was lost.
func (r *Reconciler) sweepOverdueRetries(ctx context.Context, stats *Stats) {
	records, err := r.ledger.Find(ctx, job.Query{
		States: []job.State{job.StateRetrying},
		Limit:  sweepLimit,
	})
	if err != nil {
		r.logger.Error("failed to list retrying records", "error", err)
		stats.Errors++
		return
	}

	now := time.Now().UTC()
	for _, rec := range records {
		if rec.NextRetryAt == nil || now.Sub(*rec.NextRetryAt) < retryGrace {
			continue
		}
		stats.Checked++

		if _, err := r.ledger.Transition(ctx, rec.JobID, job.StatePending, job.TransitionChanges{}); err != nil {
			r.logger.Error("failed to reset overdue retry", "job_id", rec.JobID, "error", err)
			stats.Errors++
			continue
		}
		payload, err := r.ledger.Payload(ctx, rec.JobID)
		if err != nil {
			r.logger.Error("failed to reload payload for overdue retry", "job_id", rec.JobID, "error", err)
			stats.Errors++
			continue
		}
		q := r.router.Route(rec.JobType)
		if err := r.broker.Enqueue(ctx, q, rec.JobID, payload, rec.Priority, 0); err != nil {
			r.logger.Error("failed to requeue overdue retry", "job_id", rec.JobID, "error", err)
			stats.Errors++
			continue
		}
		stats.Requeued++
		r.logger.Info("requeued overdue retry",
			"job_id", rec.JobID,
			"overdue_by", now.Sub(*rec.NextRetryAt))
	}
}

// sweepOrphanedEssays finds essays stuck in scoring with no active job,
// the signature of a status write that bypassed or outlived the ledger,
// and resets them for resubmission.
func (r *Reconciler) sweepOrphanedEssays(ctx context.Context, stats *Stats) {
	essays, err := r.essays.FindByStatus(ctx, domain.EssayStatusScoring, sweepLimit)
	if err != nil {
		r.logger.Error("failed to list scoring essays", "error", err)
		stats.Errors++
		return
	}

	for _, essay := range essays {
		// Give in-flight work a full staleness window before declaring the
		// essay orphaned.
		if time.Since(essay.UpdatedAt) < r.staleThreshold(job.TypeScoreEssay) {
			continue
		}

		_, err := r.ledger.FindActiveByEntity(ctx, job.EntityRef{Kind: job.EntityKindEssay, ID: essay.ID})
		if err == nil {
			continue
		}
		if !store.IsNotFoundError(err) {
			r.logger.Error("failed to look up active job for essay", "essay_id", essay.ID, "error", err)
			stats.Errors++
			continue
		}

		if err := r.essays.UpdateStatus(ctx, essay.ID, domain.EssayStatusSubmitted); err != nil {
			r.logger.Error("failed to reset orphaned essay", "essay_id", essay.ID, "error", err)
			stats.Errors++
			continue
		}
		stats.Orphans++
		r.logger.Warn("reset orphaned essay to submitted", "essay_id", essay.ID)
	}
}

// propagateSuccess brings the essay's status in line with a Succeeded record.
func (r *Reconciler) propagateSuccess(ctx context.Context, essays store.EssayStore, rec *job.Record) error {
	if rec.Entity == nil || rec.Entity.Kind != job.EntityKindEssay {
		return nil
	}
	essay, err := essays.GetByID(ctx, rec.Entity.ID)
	if store.IsNotFoundError(err) {
		logger.FromContext(ctx).Warn("entity vanished before reconciliation", "essay_id", rec.Entity.ID)
		return nil
	}
	if err != nil {
		return err
	}
	if essay.Status != domain.EssayStatusScoring {
		return nil
	}
	if essay.Score != nil {
		return essays.UpdateStatus(ctx, essay.ID, domain.EssayStatusScored)
	}
	// The broker says done but no score landed; send the essay back for
	// another pass rather than inventing a result.
	logger.FromContext(ctx).Warn("job succeeded but essay has no score, resetting essay",
		"essay_id", essay.ID)
	return essays.UpdateStatus(ctx, essay.ID, domain.EssayStatusSubmitted)
}

// propagateFailure brings the essay's status in line with a Failed record.
func (r *Reconciler) propagateFailure(ctx context.Context, essays store.EssayStore, rec *job.Record) {
	if rec.Entity == nil || rec.Entity.Kind != job.EntityKindEssay {
		return
	}
	if err := essays.UpdateStatus(ctx, rec.Entity.ID, domain.EssayStatusScoreFailed); err != nil && !store.IsNotFoundError(err) {
		logger.FromContext(ctx).Error("failed to propagate failure to essay",
			"essay_id", rec.Entity.ID,
			"error", err)
	}
}

// resetEntity returns a cancelled job's essay to the submitted pool.
func (r *Reconciler) resetEntity(ctx context.Context, essays store.EssayStore, rec *job.Record) {
	if rec.Entity == nil || rec.Entity.Kind != job.EntityKindEssay {
		return
	}
	if err := essays.UpdateStatus(ctx, rec.Entity.ID, domain.EssayStatusSubmitted); err != nil && !store.IsNotFoundError(err) {
		logger.FromContext(ctx).Error("failed to reset essay after cancellation",
			"essay_id", rec.Entity.ID,
			"error", err)
	}
}

// inTx runs one record's repair inside its own transaction with both
// stores bound to it.
func (r *Reconciler) inTx(ctx context.Context, fn func(job.Ledger, store.EssayStore) error) error {
	if r.db == nil {
		// Tests wire mock stores without a database; run directly.
		return fn(r.ledger, r.essays)
	}
	return store.RunInTransaction(ctx, r.db, func(ctx context.Context, tx *sql.Tx) error {
		return fn(r.ledger.WithTx(tx), r.essays.WithTx(tx))
	})
}

// staleThreshold returns the staleness threshold for the job type.
func (r *Reconciler) staleThreshold(t job.Type) time.Duration {
	if d, ok := r.config.StaleAfterByType[t]; ok && d > 0 {
		return d
	}
	return r.config.StaleAfter
}
