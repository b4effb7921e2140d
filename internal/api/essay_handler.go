package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gradewise/gradewise-api/internal/api/shared"
	"github.com/gradewise/gradewise-api/internal/domain"
	"github.com/gradewise/gradewise-api/internal/service"
	"github.com/gradewise/gradewise-api/internal/store"
)

// SubmitEssayRequest represents the request body for submitting an essay.
type SubmitEssayRequest struct {
	AuthorID uuid.UUID `json:"author_id" validate:"required"`
	Prompt   string    `json:"prompt"    validate:"required,min=1"`
	Text     string    `json:"text"      validate:"required,min=1"`
}

// RescoreRequest represents the request body for a bulk rescore.
type RescoreRequest struct {
	EssayIDs []uuid.UUID `json:"essay_ids" validate:"required,min=1"`
	Priority int         `json:"priority"  validate:"gte=0,lte=10"`
}

// EssayResponse represents the response data for an essay.
type EssayResponse struct {
	ID        uuid.UUID     `json:"id"`
	AuthorID  uuid.UUID     `json:"author_id"`
	Prompt    string        `json:"prompt"`
	Status    string        `json:"status"`
	Score     *domain.Score `json:"score,omitempty"`
	JobID     *uuid.UUID    `json:"job_id,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// EssayHandler handles essay-related HTTP requests.
type EssayHandler struct {
	essays *service.EssayService
}

// NewEssayHandler creates a new EssayHandler.
func NewEssayHandler(essays *service.EssayService) *EssayHandler {
	return &EssayHandler{essays: essays}
}

// SubmitEssay handles POST /api/essays requests. Scoring happens
// asynchronously, so success is 202 Accepted with the job ID to poll.
func (h *EssayHandler) SubmitEssay(w http.ResponseWriter, r *http.Request) {
	var req SubmitEssayRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}

	essay, jobID, err := h.essays.Submit(r.Context(), req.AuthorID, req.Prompt, req.Text)
	if err != nil {
		if essay == nil {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid essay")
			return
		}
		shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError, "Failed to submit essay for scoring", err)
		return
	}

	resp := essayToResponse(essay)
	resp.JobID = &jobID
	shared.RespondWithJSON(w, r, http.StatusAccepted, resp)
}

// GetEssay handles GET /api/essays/{id} requests.
func (h *EssayHandler) GetEssay(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid essay ID")
		return
	}

	essay, err := h.essays.Get(r.Context(), id)
	if err != nil {
		if store.IsNotFoundError(err) {
			shared.RespondWithError(w, r, http.StatusNotFound, "Essay not found")
			return
		}
		shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError, "Failed to fetch essay", err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, essayToResponse(essay))
}

// Rescore handles POST /api/essays/rescore requests, submitting one batch
// job that fans out on the batch queue.
func (h *EssayHandler) Rescore(w http.ResponseWriter, r *http.Request) {
	var req RescoreRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}

	jobID, err := h.essays.Rescore(r.Context(), req.EssayIDs, req.Priority)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError, "Failed to submit rescore batch", err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusAccepted, map[string]string{
		"job_id": jobID.String(),
	})
}

// essayToResponse converts a domain.Essay to an EssayResponse.
func essayToResponse(essay *domain.Essay) EssayResponse {
	return EssayResponse{
		ID:        essay.ID,
		AuthorID:  essay.AuthorID,
		Prompt:    essay.Prompt,
		Status:    string(essay.Status),
		Score:     essay.Score,
		CreatedAt: essay.CreatedAt,
		UpdatedAt: essay.UpdatedAt,
	}
}
