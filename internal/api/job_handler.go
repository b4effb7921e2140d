// Package api contains the HTTP handlers for the job and essay surfaces.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gradewise/gradewise-api/internal/api/shared"
	"github.com/gradewise/gradewise-api/internal/job"
	"github.com/gradewise/gradewise-api/internal/service"
	"github.com/gradewise/gradewise-api/internal/store"
)

// SubmitJobRequest represents the request body for submitting a job.
type SubmitJobRequest struct {
	JobType  string          `json:"job_type"    validate:"required"`
	Payload  json.RawMessage `json:"payload"`
	Priority int             `json:"priority"    validate:"gte=0,lte=10"`
	DelaySec int             `json:"delay_sec"   validate:"gte=0"`
}

// JobResponse represents the response data for a job record.
type JobResponse struct {
	JobID       uuid.UUID       `json:"job_id"`
	JobType     string          `json:"job_type"`
	State       string          `json:"state"`
	Attempts    int             `json:"attempts"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	NextRetryAt *time.Time      `json:"next_retry_at,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// JobHandler handles job-related HTTP requests.
type JobHandler struct {
	orchestrator *service.Orchestrator
}

// NewJobHandler creates a new JobHandler.
func NewJobHandler(orchestrator *service.Orchestrator) *JobHandler {
	return &JobHandler{orchestrator: orchestrator}
}

// SubmitJob handles POST /api/jobs requests. Processing is asynchronous,
// so success is 202 Accepted with the Pending record.
func (h *JobHandler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}

	jobType, err := job.ParseType(req.JobType)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Unknown job type")
		return
	}

	rec, err := h.orchestrator.Submit(r.Context(), service.SubmitParams{
		JobType:  jobType,
		Payload:  req.Payload,
		Priority: req.Priority,
		Delay:    time.Duration(req.DelaySec) * time.Second,
	})
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError, "Failed to submit job", err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusAccepted, jobToResponse(rec))
}

// GetJob handles GET /api/jobs/{id} requests.
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid job ID")
		return
	}

	rec, err := h.orchestrator.GetStatus(r.Context(), id)
	if err != nil {
		if store.IsNotFoundError(err) {
			shared.RespondWithError(w, r, http.StatusNotFound, "Job not found")
			return
		}
		shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError, "Failed to fetch job", err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, jobToResponse(rec))
}

// CancelJob handles DELETE /api/jobs/{id} requests. Jobs already running
// are cancelled cooperatively; terminal jobs return 409 Conflict.
func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid job ID")
		return
	}

	rec, err := h.orchestrator.Cancel(r.Context(), id)
	if err != nil {
		switch {
		case store.IsNotFoundError(err):
			shared.RespondWithError(w, r, http.StatusNotFound, "Job not found")
		case errors.Is(err, job.ErrNotCancellable):
			shared.RespondWithError(w, r, http.StatusConflict, "Job is not cancellable in its current state")
		default:
			shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError, "Failed to cancel job", err)
		}
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, jobToResponse(rec))
}

// jobToResponse converts a job.Record to a JobResponse.
func jobToResponse(rec *job.Record) JobResponse {
	return JobResponse{
		JobID:       rec.JobID,
		JobType:     string(rec.JobType),
		State:       string(rec.State),
		Attempts:    rec.AttemptCount,
		Result:      rec.Result,
		Error:       rec.ErrorMessage,
		NextRetryAt: rec.NextRetryAt,
		SubmittedAt: rec.SubmittedAt,
		CompletedAt: rec.CompletedAt,
	}
}
