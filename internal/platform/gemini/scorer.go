// Package gemini implements the scoring.Scorer interface using Google's
// Gemini API.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"

	"github.com/gradewise/gradewise-api/internal/config"
	"github.com/gradewise/gradewise-api/internal/domain"
	"github.com/gradewise/gradewise-api/internal/scoring"
	"google.golang.org/genai"
)

// promptTemplate shapes the grading request. The model is asked for JSON
// matching responseSchema.
const promptTemplate = `You are an experienced writing instructor grading a student essay.

Essay prompt:
{{.Prompt}}

Essay text:
{{.Text}}

Grade the essay on a 0-100 scale. Respond with JSON only, in this shape:
{"overall": <number>, "dimensions": {"coherence": <number>, "grammar": <number>, "argumentation": <number>}, "feedback": "<2-4 sentences for the author>"}`

// responseSchema mirrors the JSON shape requested from the model.
type responseSchema struct {
	Overall    float64            `json:"overall"`
	Dimensions map[string]float64 `json:"dimensions"`
	Feedback   string             `json:"feedback"`
}

// Scorer implements scoring.Scorer using the Gemini API.
//
// It makes exactly one model call per invocation: retries and backoff are
// the orchestration layer's responsibility, not the collaborator's, so a
// failed call surfaces immediately with its classification.
type Scorer struct {
	logger *slog.Logger
	client *genai.Client
	model  string
	prompt *template.Template
}

// NewScorer creates a Scorer from the scoring configuration.
func NewScorer(ctx context.Context, logger *slog.Logger, cfg config.ScoringConfig) (*Scorer, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", scoring.ErrInvalidConfig)
	}
	if cfg.ModelName == "" {
		return nil, fmt.Errorf("%w: model name cannot be empty", scoring.ErrInvalidConfig)
	}

	prompt, err := template.New("grading").Parse(promptTemplate)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse prompt template: %v", scoring.ErrInvalidConfig, err)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &Scorer{
		logger: logger.With("component", "gemini_scorer"),
		client: client,
		model:  cfg.ModelName,
		prompt: prompt,
	}, nil
}

// Score grades the essay with a single Gemini call.
func (s *Scorer) Score(ctx context.Context, essay *domain.Essay) (*domain.Score, error) {
	if essay == nil || essay.Text == "" {
		return nil, fmt.Errorf("%w: essay text is empty", scoring.ErrScoringFailed)
	}

	var sb strings.Builder
	if err := s.prompt.Execute(&sb, essay); err != nil {
		return nil, fmt.Errorf("%w: failed to render prompt: %v", scoring.ErrScoringFailed, err)
	}

	s.logger.InfoContext(ctx, "calling gemini for essay score",
		"essay_id", essay.ID,
		"model", s.model)

	resp, err := s.client.Models.GenerateContent(ctx, s.model,
		genai.Text(sb.String()),
		&genai.GenerateContentConfig{
			ResponseMIMEType: "application/json",
		})
	if err != nil {
		// Network and server-side errors are worth a retry; the policy
		// decides how many.
		return nil, fmt.Errorf("%w: %v", scoring.ErrTransientFailure, err)
	}

	text := resp.Text()
	if text == "" {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return nil, fmt.Errorf("%w: %s", scoring.ErrContentBlocked, resp.PromptFeedback.BlockReason)
		}
		return nil, fmt.Errorf("%w: empty response", scoring.ErrInvalidResponse)
	}

	var parsed responseSchema
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", scoring.ErrInvalidResponse, err)
	}
	if parsed.Overall < 0 || parsed.Overall > 100 {
		return nil, fmt.Errorf("%w: overall score %f outside 0-100", scoring.ErrInvalidResponse, parsed.Overall)
	}

	return &domain.Score{
		Overall:    parsed.Overall,
		Dimensions: parsed.Dimensions,
		Feedback:   parsed.Feedback,
	}, nil
}

var _ scoring.Scorer = (*Scorer)(nil)
