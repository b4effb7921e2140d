// Package service holds the submission-side orchestration logic: accepting
// jobs, enforcing one active job per entity, routing onto queues, and
// cooperative cancellation.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gradewise/gradewise-api/internal/events"
	"github.com/gradewise/gradewise-api/internal/job"
	"github.com/gradewise/gradewise-api/internal/queue"
	"github.com/gradewise/gradewise-api/internal/store"
	"github.com/gradewise/gradewise-api/internal/worker"
)

// SubmitParams describes one job submission.
type SubmitParams struct {
	JobType  job.Type
	Entity   *job.EntityRef
	Payload  json.RawMessage
	Priority int
	Delay    time.Duration
}

// Orchestrator is the submission surface. It writes the ledger record,
// routes the message onto the right queue, and announces the transition.
type Orchestrator struct {
	ledger job.Ledger
	broker queue.Broker
	router *queue.Router
	bus    events.Emitter
	logger *slog.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(
	ledger job.Ledger,
	broker queue.Broker,
	router *queue.Router,
	bus events.Emitter,
	log *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		ledger: ledger,
		broker: broker,
		router: router,
		bus:    bus,
		logger: log.With("component", "orchestrator"),
	}
}

// Submit records a new job and enqueues it. When the target entity already
// has a non-terminal job, that job's record is returned instead of creating
// a duplicate; submission is idempotent per entity.
func (o *Orchestrator) Submit(ctx context.Context, params SubmitParams) (*job.Record, error) {
	if _, err := job.ParseType(string(params.JobType)); err != nil {
		return nil, err
	}
	if len(params.Payload) == 0 {
		params.Payload = json.RawMessage(`{}`)
	}

	if params.Entity != nil {
		existing, err := o.ledger.FindActiveByEntity(ctx, *params.Entity)
		if err == nil {
			o.logger.Debug("submission coalesced onto active job",
				"job_id", existing.JobID,
				"entity_kind", params.Entity.Kind,
				"entity_id", params.Entity.ID)
			return existing, nil
		}
		if !store.IsNotFoundError(err) {
			return nil, fmt.Errorf("failed to check for active job: %w", err)
		}
	}

	q := o.router.Route(params.JobType)
	priority := o.router.ClampPriority(q, params.Priority)

	rec, err := o.ledger.Create(ctx, job.CreateParams{
		JobID:    uuid.New(),
		JobType:  params.JobType,
		Entity:   params.Entity,
		Payload:  params.Payload,
		Priority: priority,
	})
	if err != nil {
		// A concurrent submission for the same entity won the insert race;
		// coalesce onto the winner's record.
		if store.IsDuplicateError(err) && params.Entity != nil {
			if existing, findErr := o.ledger.FindActiveByEntity(ctx, *params.Entity); findErr == nil {
				o.logger.Debug("submission lost insert race, coalesced onto active job",
					"job_id", existing.JobID,
					"entity_kind", params.Entity.Kind,
					"entity_id", params.Entity.ID)
				return existing, nil
			}
		}
		return nil, fmt.Errorf("failed to create job record: %w", err)
	}

	if err := o.broker.Enqueue(ctx, q, rec.JobID, params.Payload, priority, params.Delay); err != nil {
		// The record stays Pending; the reconciler's pending pass re-enqueues
		// it once the broker recovers.
		return nil, fmt.Errorf("failed to enqueue job %s: %w", rec.JobID, err)
	}

	event := events.NewLifecycleEvent(rec.JobID, rec.JobType, job.StatePending)
	if err := o.bus.EmitEvent(ctx, event); err != nil {
		o.logger.Error("failed to emit submission event", "job_id", rec.JobID, "error", err)
	}

	o.logger.Info("job submitted",
		"job_id", rec.JobID,
		"job_type", rec.JobType,
		"queue", q.Name,
		"priority", priority)
	return rec, nil
}

// GetStatus returns the ledger record for the job ID.
func (o *Orchestrator) GetStatus(ctx context.Context, jobID uuid.UUID) (*job.Record, error) {
	return o.ledger.Get(ctx, jobID)
}

// Cancel moves a Pending or Running job to Cancelled and revokes any queued
// copy. A Running job is not interrupted; the wrapper observes the revoked
// status at its next checkpoint. Terminal and Retrying jobs return
// job.ErrNotCancellable.
func (o *Orchestrator) Cancel(ctx context.Context, jobID uuid.UUID) (*job.Record, error) {
	rec, err := o.ledger.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if rec.State != job.StatePending && rec.State != job.StateRunning {
		return nil, fmt.Errorf("job %s in state %s: %w", jobID, rec.State, job.ErrNotCancellable)
	}

	updated, err := o.ledger.Transition(ctx, jobID, job.StateCancelled, job.TransitionChanges{})
	if err != nil {
		if errors.Is(err, job.ErrInvalidTransition) {
			// Lost the race with a worker finishing the job.
			return nil, fmt.Errorf("job %s completed before cancellation: %w", jobID, job.ErrNotCancellable)
		}
		return nil, fmt.Errorf("failed to cancel job %s: %w", jobID, err)
	}

	if err := o.broker.Revoke(ctx, jobID); err != nil {
		o.logger.Error("failed to revoke job at broker", "job_id", jobID, "error", err)
	}

	event := events.NewLifecycleEvent(updated.JobID, updated.JobType, job.StateCancelled)
	if err := o.bus.EmitEvent(ctx, event); err != nil {
		o.logger.Error("failed to emit cancellation event", "job_id", jobID, "error", err)
	}

	o.logger.Info("job cancelled", "job_id", jobID)
	return updated, nil
}

// SubmitScore submits a scoring job for one essay at the given priority.
// It exists so the rescore fan-out can submit follow-up work without
// depending on the full orchestrator surface.
func (o *Orchestrator) SubmitScore(ctx context.Context, essayID uuid.UUID, priority int) (uuid.UUID, error) {
	payload, err := json.Marshal(worker.ScoreEssayPayload{EssayID: essayID})
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal scoring payload: %w", err)
	}

	rec, err := o.Submit(ctx, SubmitParams{
		JobType:  job.TypeScoreEssay,
		Entity:   &job.EntityRef{Kind: job.EntityKindEssay, ID: essayID},
		Payload:  payload,
		Priority: priority,
	})
	if err != nil {
		return uuid.Nil, err
	}
	return rec.JobID, nil
}

var _ worker.ScoreSubmitter = (*Orchestrator)(nil)
