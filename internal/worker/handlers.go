package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/gradewise/gradewise-api/internal/batch"
	"github.com/gradewise/gradewise-api/internal/domain"
	"github.com/gradewise/gradewise-api/internal/job"
	"github.com/gradewise/gradewise-api/internal/platform/logger"
	"github.com/gradewise/gradewise-api/internal/scoring"
	"github.com/gradewise/gradewise-api/internal/store"
)

// ScoreEssayPayload is the submission payload for score_essay jobs.
type ScoreEssayPayload struct {
	EssayID uuid.UUID `json:"essay_id"`
}

// ScoreEssayHandler executes score_essay jobs: it fetches the essay, calls
// the scoring collaborator, and persists the result.
type ScoreEssayHandler struct {
	essays store.EssayStore
	scorer scoring.Scorer
	logger *slog.Logger
}

// NewScoreEssayHandler creates a ScoreEssayHandler.
func NewScoreEssayHandler(essays store.EssayStore, scorer scoring.Scorer, logger *slog.Logger) *ScoreEssayHandler {
	return &ScoreEssayHandler{
		essays: essays,
		scorer: scorer,
		logger: logger.With("component", "score_essay_handler"),
	}
}

// ValidatePayload checks the payload shape before execution.
func (h *ScoreEssayHandler) ValidatePayload(payload json.RawMessage) error {
	var p ScoreEssayPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	if p.EssayID == uuid.Nil {
		return errors.New("essay_id is required")
	}
	return nil
}

// AlreadyComplete reports whether the essay is already scored. Guards
// against duplicate broker delivery.
func (h *ScoreEssayHandler) AlreadyComplete(ctx context.Context, rec *job.Record) (bool, error) {
	if rec.Entity == nil || rec.Entity.Kind != job.EntityKindEssay {
		return false, nil
	}
	essay, err := h.essays.GetByID(ctx, rec.Entity.ID)
	if errors.Is(err, store.ErrEssayNotFound) {
		return false, job.NotFoundErrorf("essay %s no longer exists", rec.Entity.ID)
	}
	if err != nil {
		return false, job.TransientErrorf("failed to load essay: %v", err)
	}
	return essay.Graded(), nil
}

// Execute scores the essay and returns the score as the job result.
func (h *ScoreEssayHandler) Execute(ctx context.Context, rec *job.Record, payload json.RawMessage) (json.RawMessage, error) {
	var p ScoreEssayPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, job.ValidationErrorf("malformed payload: %v", err)
	}

	essay, err := h.essays.GetByID(ctx, p.EssayID)
	if errors.Is(err, store.ErrEssayNotFound) {
		return nil, job.NotFoundErrorf("essay %s no longer exists", p.EssayID)
	}
	if err != nil {
		return nil, job.TransientErrorf("failed to load essay: %v", err)
	}

	if err := h.essays.UpdateStatus(ctx, essay.ID, domain.EssayStatusScoring); err != nil {
		return nil, job.TransientErrorf("failed to mark essay scoring: %v", err)
	}

	score, err := h.scorer.Score(ctx, essay)
	if err != nil {
		return nil, classifyScoringError(err)
	}

	if err := h.essays.SaveScore(ctx, essay.ID, score); err != nil {
		return nil, job.TransientErrorf("failed to save essay score: %v", err)
	}

	result, err := json.Marshal(score)
	if err != nil {
		return nil, job.LogicErrorf("failed to encode score result: %v", err)
	}
	return result, nil
}

// OnTerminalFailure marks the essay's status failed so the product surface
// can show the author something other than an eternal spinner.
func (h *ScoreEssayHandler) OnTerminalFailure(ctx context.Context, rec *job.Record) {
	if rec.Entity == nil || rec.Entity.Kind != job.EntityKindEssay {
		return
	}
	if err := h.essays.UpdateStatus(ctx, rec.Entity.ID, domain.EssayStatusScoreFailed); err != nil {
		logger.FromContext(ctx).Error("failed to mark essay score_failed",
			"essay_id", rec.Entity.ID,
			"error", err)
	}
}

// classifyScoringError maps the scoring collaborator's errors onto the
// retry taxonomy.
func classifyScoringError(err error) error {
	switch {
	case errors.Is(err, scoring.ErrContentBlocked):
		return job.NewFailure(job.ClassLogic, err)
	case errors.Is(err, scoring.ErrTransientFailure), errors.Is(err, scoring.ErrInvalidResponse):
		// A malformed model response is usually a bad sample, not a bad
		// essay; one more attempt is cheap.
		return job.NewFailure(job.ClassTransient, err)
	default:
		return err
	}
}

// ScoreSubmitter submits a score_essay job for one essay. Implemented by
// the orchestration service; declared here so the batch handler does not
// depend on it directly.
type ScoreSubmitter interface {
	SubmitScore(ctx context.Context, essayID uuid.UUID, priority int) (uuid.UUID, error)
}

// RescoreBatchPayload is the submission payload for rescore_batch jobs.
type RescoreBatchPayload struct {
	EssayIDs []uuid.UUID `json:"essay_ids"`

	// Priority is requested for the fanned-out score jobs; the router
	// clamps it to the batch queue's ceiling.
	Priority int `json:"priority,omitempty"`
}

// RescoreBatchHandler executes rescore_batch jobs: it fans a batch of
// essays back out as individual score_essay submissions through the batch
// executor, so one bad essay never aborts its siblings.
type RescoreBatchHandler struct {
	submitter ScoreSubmitter
	logger    *slog.Logger

	// batchSize and workerCount tune the fan-out; defaults applied in New.
	batchSize   int
	workerCount int
}

// NewRescoreBatchHandler creates a RescoreBatchHandler.
func NewRescoreBatchHandler(submitter ScoreSubmitter, logger *slog.Logger) *RescoreBatchHandler {
	return &RescoreBatchHandler{
		submitter:   submitter,
		logger:      logger.With("component", "rescore_batch_handler"),
		batchSize:   25,
		workerCount: 4,
	}
}

// ValidatePayload checks the payload shape before execution.
func (h *RescoreBatchHandler) ValidatePayload(payload json.RawMessage) error {
	var p RescoreBatchPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	if len(p.EssayIDs) == 0 {
		return errors.New("essay_ids must not be empty")
	}
	for _, id := range p.EssayIDs {
		if id == uuid.Nil {
			return errors.New("essay_ids must not contain the nil UUID")
		}
	}
	return nil
}

// Execute fans the batch out and reports the aggregate as the job result.
// A fully failed batch is a transient failure; a partial one succeeds with
// the per-item failures recorded in the result.
func (h *RescoreBatchHandler) Execute(ctx context.Context, rec *job.Record, payload json.RawMessage) (json.RawMessage, error) {
	var p RescoreBatchPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, job.ValidationErrorf("malformed payload: %v", err)
	}

	log := logger.FromContext(ctx)

	summary := batch.Run(ctx, p.EssayIDs, func(ctx context.Context, essayID uuid.UUID) (uuid.UUID, error) {
		return h.submitter.SubmitScore(ctx, essayID, p.Priority)
	}, batch.Options{
		BatchSize:   h.batchSize,
		WorkerCount: h.workerCount,
		OnError: func(index int, err error) {
			log.Warn("failed to submit rescore for essay",
				"essay_id", p.EssayIDs[index],
				"error", err)
		},
	})

	if summary.Status() == batch.StatusError {
		return nil, job.TransientErrorf("all %d rescore submissions failed", summary.Failed)
	}

	// Map each essay onto the job its submission (or coalescing) produced,
	// so the batch result is enough to poll the fanned-out work.
	submitted := make(map[string]string, len(summary.Results))
	for _, res := range summary.Results {
		submitted[p.EssayIDs[res.Index].String()] = res.Value.String()
	}
	failures := make([]string, 0, len(summary.Errors))
	for _, e := range summary.Errors {
		failures = append(failures, fmt.Sprintf("%s: %v", p.EssayIDs[e.Index], e.Err))
	}
	result, err := json.Marshal(map[string]any{
		"status":    summary.Status(),
		"processed": summary.Processed,
		"failed":    summary.Failed,
		"jobs":      submitted,
		"errors":    failures,
	})
	if err != nil {
		return nil, job.LogicErrorf("failed to encode batch result: %v", err)
	}

	log.Info("rescore batch dispatched",
		"processed", summary.Processed,
		"failed", summary.Failed,
		"status", summary.Status())
	return result, nil
}

var (
	_ job.Handler           = (*ScoreEssayHandler)(nil)
	_ job.CompletionChecker = (*ScoreEssayHandler)(nil)
	_ PayloadValidator      = (*ScoreEssayHandler)(nil)
	_ FailureFinalizer      = (*ScoreEssayHandler)(nil)
	_ job.Handler           = (*RescoreBatchHandler)(nil)
	_ PayloadValidator      = (*RescoreBatchHandler)(nil)
)
