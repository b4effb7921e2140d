package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/gradewise/gradewise-api/internal/domain"
	"github.com/gradewise/gradewise-api/internal/job"
	"github.com/gradewise/gradewise-api/internal/store"
	"github.com/gradewise/gradewise-api/internal/worker"
)

// interactivePriority is the priority assigned to essays submitted through
// the synchronous API path; rescore fan-outs run below it.
const interactivePriority = 10

// EssayService handles the essay lifecycle: persistence plus kicking off
// the asynchronous scoring work.
type EssayService struct {
	essays       store.EssayStore
	orchestrator *Orchestrator
	logger       *slog.Logger
}

// NewEssayService creates an EssayService.
func NewEssayService(essays store.EssayStore, orchestrator *Orchestrator, log *slog.Logger) *EssayService {
	return &EssayService{
		essays:       essays,
		orchestrator: orchestrator,
		logger:       log.With("component", "essay_service"),
	}
}

// Submit persists a new essay and submits its scoring job. The essay is
// stored even if the scoring submission fails: the caller sees the error,
// and when a Pending record was written its message is re-enqueued by the
// reconciler's pending pass.
func (s *EssayService) Submit(ctx context.Context, authorID uuid.UUID, prompt, text string) (*domain.Essay, uuid.UUID, error) {
	essay, err := domain.NewEssay(authorID, prompt, text)
	if err != nil {
		return nil, uuid.Nil, err
	}
	if err := s.essays.Create(ctx, essay); err != nil {
		return nil, uuid.Nil, fmt.Errorf("failed to store essay: %w", err)
	}

	jobID, err := s.orchestrator.SubmitScore(ctx, essay.ID, interactivePriority)
	if err != nil {
		s.logger.Error("essay stored but scoring submission failed",
			"essay_id", essay.ID,
			"error", err)
		return essay, uuid.Nil, fmt.Errorf("failed to submit scoring job: %w", err)
	}

	return essay, jobID, nil
}

// Get returns the essay by ID.
func (s *EssayService) Get(ctx context.Context, id uuid.UUID) (*domain.Essay, error) {
	return s.essays.GetByID(ctx, id)
}

// Rescore submits one rescore_batch job covering the given essays, for
// example after a scoring model upgrade. Fan-out into individual scoring
// jobs happens on the batch queue, not in this request path.
func (s *EssayService) Rescore(ctx context.Context, essayIDs []uuid.UUID, priority int) (uuid.UUID, error) {
	if len(essayIDs) == 0 {
		return uuid.Nil, fmt.Errorf("at least one essay ID is required")
	}

	payload, err := json.Marshal(worker.RescoreBatchPayload{
		EssayIDs: essayIDs,
		Priority: priority,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal rescore payload: %w", err)
	}

	rec, err := s.orchestrator.Submit(ctx, SubmitParams{
		JobType:  job.TypeRescoreBatch,
		Payload:  payload,
		Priority: priority,
	})
	if err != nil {
		return uuid.Nil, err
	}

	s.logger.Info("rescore batch submitted", "job_id", rec.JobID, "essays", len(essayIDs))
	return rec.JobID, nil
}
