// Package worker contains the job execution side of the orchestration
// layer: the per-job wrapper that drives the ledger state machine, the
// worker pool that consumes the broker, and the job-type handlers.
package worker

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
	"github.com/gradewise/gradewise-api/internal/job/retry"
	"github.com/gradewise/gradewise-api/internal/notify"
	"github.com/gradewise/gradewise-api/internal/platform/logger"
	"github.com/gradewise/gradewise-api/internal/queue"
)

// ErrHardTimeLimit is returned when a handler ignores cancellation past
// the hard limit. The worker slot is abandoned without a ledger write; the
// reconciler's staleness pass repairs the record.
var ErrHardTimeLimit = errors.New("handler exceeded hard time limit")

// PayloadValidator is an optional interface a handler implements to
// validate the payload shape before execution. A validation error moves
// the job straight to Failed; it is never retried.
type PayloadValidator interface {
	ValidatePayload(payload json.RawMessage) error
}

// FailureFinalizer is an optional interface a handler implements to
// propagate a terminal failure to the related domain entity.
type FailureFinalizer interface {
	OnTerminalFailure(ctx context.Context, rec *job.Record)
}

// skippedResult is persisted when the idempotency check short-circuits a
// duplicate delivery.
var skippedResult = json.RawMessage(`{"skipped":true}`)

// WrapperConfig holds the wrapper's tunables.
type WrapperConfig struct {
	// WorkerID identifies this process in job records. Diagnostic only.
	WorkerID string

	// SoftTimeLimit cancels the handler's context after this long. Zero
	// disables the soft limit.
	SoftTimeLimit time.Duration

	// HardTimeLimit is how long past the soft limit the slot waits for the
	// handler to honor cancellation before abandoning it. Zero disables the
	// hard limit.
	HardTimeLimit time.Duration
}

// Wrapper executes one delivered job: it validates input, checks
// idempotency against the ledger, invokes the handler, updates the ledger
// on every transition, and drives retry and failure-notification paths.
// Every error is recovered locally and converted into a ledger transition;
// nothing escapes to crash the worker except a hard time-limit violation.
type Wrapper struct {
	ledger   job.Ledger
	broker   queue.Broker
	router   *queue.Router
	registry *job.Registry
	policy   *retry.Policy
	notifier notify.Notifier
	bus      events.Emitter
	config   WrapperConfig
	logger   *slog.Logger
}

// NewWrapper creates a Wrapper.
func NewWrapper(
	ledger job.Ledger,
	broker queue.Broker,
	router *queue.Router,
	registry *job.Registry,
	policy *retry.Policy,
	notifier notify.Notifier,
	bus events.Emitter,
	config WrapperConfig,
	log *slog.Logger,
) *Wrapper {
	return &Wrapper{
		ledger:   ledger,
		broker:   broker,
		router:   router,
		registry: registry,
		policy:   policy,
		notifier: notifier,
		bus:      bus,
		config:   config,
		logger:   log.With("component", "job_wrapper", "worker_id", config.WorkerID),
	}
}

// Execute runs one delivered job end to end. The returned error is
// diagnostic for the pool's error handler; by the time Execute returns,
// the ledger already reflects the outcome (except after a hard timeout).
func (w *Wrapper) Execute(ctx context.Context, jobID uuid.UUID, payload json.RawMessage) error {
	log := w.logger.With("job_id", jobID)
	ctx = logger.WithLogger(ctx, log)

	rec, err := w.ledger.Get(ctx, jobID)
	if err != nil {
		log.Error("delivered job has no ledger record", "error", err)
		return fmt.Errorf("delivered job has no ledger record: %w", err)
	}
	log = log.With("job_type", rec.JobType)

	// Duplicate delivery of a finished job, or a cancel that raced the
	// delivery. The ledger is authoritative; nothing to do.
	if rec.State.Terminal() {
		log.Debug("skipping delivery for terminal record", "state", rec.State)
		return nil
	}

	handler, err := w.registry.Resolve(rec.JobType)
	if err != nil {
		return w.fail(ctx, rec, nil, job.NewFailure(job.ClassLogic, err))
	}

	// Step 1: payload validation. Definitionally non-retriable.
	if v, ok := handler.(PayloadValidator); ok {
		if err := v.ValidatePayload(payload); err != nil {
			log.Warn("payload failed validation", "error", err)
			return w.fail(ctx, rec, handler, job.NewFailure(job.ClassValidation, err))
		}
	}

	// Step 2: idempotency. At-least-once delivery means the same job can
	// arrive twice; if the entity is already done, succeed without scoring.
	if c, ok := handler.(job.CompletionChecker); ok {
		done, err := c.AlreadyComplete(ctx, rec)
		if err != nil {
			return w.onHandlerError(ctx, rec, handler, err)
		}
		if done {
			log.Info("related entity already complete, skipping execution")
			return w.succeed(ctx, rec, skippedResult)
		}
	}

	// Step 3: claim the record. Exactly one concurrent worker wins the
	// conditional write; the loser sees the record Running under another
	// worker ID and no-ops.
	claimed, err := w.ledger.Transition(ctx, jobID, job.StateRunning, job.TransitionChanges{
		WorkerID: &w.config.WorkerID,
	})
	if err != nil {
		if errors.Is(err, job.ErrInvalidTransition) {
			log.Debug("record not claimable, skipping", "state", rec.State)
			return nil
		}
		return fmt.Errorf("failed to claim job: %w", err)
	}
	if claimed.State == job.StateRunning && claimed.WorkerID != w.config.WorkerID {
		log.Debug("record already claimed by another worker", "holder", claimed.WorkerID)
		return nil
	}
	rec = claimed
	w.emit(ctx, rec, job.StateRunning, "")

	log.Info("executing job", "attempt", rec.AttemptCount)

	// Step 4: run the handler under the soft/hard time limits.
	result, err := w.runWithLimits(ctx, handler, rec, payload)
	if errors.Is(err, ErrHardTimeLimit) {
		// Deliberately no ledger write: the record stays Running and the
		// reconciler's staleness pass decides its fate.
		log.Error("handler exceeded hard time limit, abandoning slot")
		return err
	}
	if err != nil {
		return w.onHandlerError(ctx, rec, handler, err)
	}

	// Step 5: success.
	return w.succeed(ctx, rec, result)
}

// runWithLimits invokes the handler with the soft limit as a context
// deadline and the hard limit as a slot backstop.
func (w *Wrapper) runWithLimits(
	ctx context.Context,
	handler job.Handler,
	rec *job.Record,
	payload json.RawMessage,
) (json.RawMessage, error) {
	runCtx := ctx
	if w.config.SoftTimeLimit > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.config.SoftTimeLimit)
		defer cancel()
	}

	if w.config.HardTimeLimit <= 0 {
		return handler.Execute(runCtx, rec, payload)
	}

	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := handler.Execute(runCtx, rec, payload)
		done <- outcome{result: result, err: err}
	}()

	hard := time.NewTimer(w.config.HardTimeLimit)
	defer hard.Stop()

	select {
	case out := <-done:
		return out.result, out.err
	case <-hard.C:
		return nil, ErrHardTimeLimit
	}
}

// onHandlerError consults the retry policy and routes the job to Retrying
// or Failed.
func (w *Wrapper) onHandlerError(ctx context.Context, rec *job.Record, handler job.Handler, handlerErr error) error {
	log := logger.FromContext(ctx)

	class := job.Classify(handlerErr)
	decision := w.policy.Decide(class, rec.AttemptCount, rec.JobType)

	if class == job.ClassNotFound {
		log.Warn("related entity missing at execution time",
			"error", handlerErr,
			"entity", rec.Entity)
	}

	if !decision.Retry {
		return w.fail(ctx, rec, handler, handlerErr)
	}

	nextRetryAt := time.Now().UTC().Add(decision.Delay)
	attempts := rec.AttemptCount + 1
	errMsg := handlerErr.Error()

	updated, err := w.ledger.Transition(ctx, rec.JobID, job.StateRetrying, job.TransitionChanges{
		AttemptCount: &attempts,
		ErrorMessage: &errMsg,
		NextRetryAt:  &nextRetryAt,
	})
	if errors.Is(err, job.ErrInvalidTransition) {
		// The record reached a terminal state under us (operator cancel).
		log.Debug("retry transition rejected by ledger, dropping", "error", err)
		return nil
	}
	if err != nil {
		log.Error("failed to transition job to retrying", "error", err)
		return fmt.Errorf("failed to transition job to retrying: %w", err)
	}
	w.emit(ctx, updated, job.StateRetrying, errMsg)

	q := w.router.Route(rec.JobType)
	if err := w.broker.Enqueue(ctx, q, rec.JobID, mustPayload(ctx, w.ledger, rec), rec.Priority, decision.Delay); err != nil {
		// The record says Retrying but nothing is queued; the reconciler's
		// overdue-retry check re-submits it.
		log.Error("failed to re-enqueue retrying job", "error", err)
		return fmt.Errorf("failed to re-enqueue retrying job: %w", err)
	}

	log.Info("job scheduled for retry",
		"attempt", attempts,
		"class", class,
		"delay", decision.Delay,
		"error", handlerErr)
	return nil
}

// fail moves the record to Failed, propagates to the related entity, and
// dispatches the failure notification.
func (w *Wrapper) fail(ctx context.Context, rec *job.Record, handler job.Handler, cause error) error {
	log := logger.FromContext(ctx)

	errMsg := cause.Error()
	updated, err := w.ledger.Transition(ctx, rec.JobID, job.StateFailed, job.TransitionChanges{
		ErrorMessage: &errMsg,
	})
	if err != nil {
		log.Error("failed to transition job to failed", "error", err)
		return fmt.Errorf("failed to transition job to failed: %w", err)
	}

	if f, ok := handler.(FailureFinalizer); ok {
		f.OnTerminalFailure(ctx, updated)
	}

	if err := w.broker.SetStatus(ctx, rec.JobID, queue.StatusFailed); err != nil {
		log.Error("failed to record broker status", "error", err)
	}
	w.emit(ctx, updated, job.StateFailed, errMsg)

	// Fire-and-forget: a notifier failure must not fail the transition
	// already committed.
	if err := w.notifier.NotifyFailure(ctx, rec.JobID, rec.Entity, errMsg); err != nil {
		log.Error("failure notification could not be dispatched", "error", err)
	}

	log.Warn("job failed terminally", "error", cause)
	return nil
}

// succeed moves the record to Succeeded with its result payload.
func (w *Wrapper) succeed(ctx context.Context, rec *job.Record, result json.RawMessage) error {
	log := logger.FromContext(ctx)

	updated, err := w.ledger.Transition(ctx, rec.JobID, job.StateSucceeded, job.TransitionChanges{
		Result: result,
	})
	if errors.Is(err, job.ErrInvalidTransition) {
		log.Debug("success transition rejected by ledger, dropping", "error", err)
		return nil
	}
	if err != nil {
		log.Error("failed to transition job to succeeded", "error", err)
		return fmt.Errorf("failed to transition job to succeeded: %w", err)
	}

	if err := w.broker.SetStatus(ctx, rec.JobID, queue.StatusSucceeded); err != nil {
		log.Error("failed to record broker status", "error", err)
	}
	w.emit(ctx, updated, job.StateSucceeded, "")

	log.Info("job succeeded")
	return nil
}

// emit announces a transition on the event bus, when one is wired.
func (w *Wrapper) emit(ctx context.Context, rec *job.Record, transition job.State, errMsg string) {
	if w.bus == nil {
		return
	}
	event := events.NewLifecycleEvent(rec.JobID, rec.JobType, transition)
	event.WorkerID = w.config.WorkerID
	event.Error = errMsg
	if err := w.bus.EmitEvent(ctx, event); err != nil {
		logger.FromContext(ctx).Error("failed to emit lifecycle event", "error", err)
	}
}

// mustPayload reloads the stored submission payload for re-enqueueing,
// falling back to an empty object so a broken read never blocks a retry.
func mustPayload(ctx context.Context, ledger job.Ledger, rec *job.Record) json.RawMessage {
	payload, err := ledger.Payload(ctx, rec.JobID)
	if err != nil {
		logger.FromContext(ctx).Error("failed to reload job payload", "error", err)
		return json.RawMessage(`{}`)
	}
	return payload
}
