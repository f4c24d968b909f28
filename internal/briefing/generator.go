// Package briefing turns a disease query into a structured briefing by calling
// a schema-constrained generation API under a bounded retry policy.
package briefing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/medbrief/internal/gemini"
	"github.com/kalambet/medbrief/internal/retry"
)

// ContentGenerator is the outbound generation API.
type ContentGenerator interface {
	GenerateJSON(ctx context.Context, req gemini.Request) (string, error)
}

// Result is a successful generation.
type Result struct {
	Title    string
	Summary  string
	Payload  DiseasePayload
	Attempts int
}

// GenerationFailed is returned when no usable briefing could be produced.
// Message is safe to show to end users; Err carries the cause.
type GenerationFailed struct {
	Attempts int
	Message  string
	Err      error
}

func (e *GenerationFailed) Error() string {
	return fmt.Sprintf("generation failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *GenerationFailed) Unwrap() error { return e.Err }

const (
	msgBusy       = "The health assistant is busy right now. Please try again in a little while."
	msgMalformed  = "The health assistant returned an incomplete briefing for this condition."
	msgBlocked    = "The health assistant could not write a briefing for this request."
	msgUnexpected = "The health assistant ran into a problem while preparing your briefing."
)

// ErrMalformed wraps responses that are not a valid briefing object.
var ErrMalformed = errors.New("malformed briefing")

// Generator produces disease briefings.
type Generator struct {
	client ContentGenerator
	policy retry.Policy
	logger *slog.Logger
}

// NewGenerator creates a Generator using client and the given retry policy.
func NewGenerator(client ContentGenerator, policy retry.Policy) *Generator {
	return &Generator{
		client: client,
		policy: policy,
		logger: slog.Default(),
	}
}

type envelope struct {
	Title   string          `json:"title"`
	Summary string          `json:"summary"`
	Payload *DiseasePayload `json:"payload"`
}

// Generate asks the model for a briefing about diseaseName. Transient failures
// (transport errors, 429/5xx, empty or malformed output) are retried; other
// API errors stop immediately. Any failure is returned as *GenerationFailed.
func (g *Generator) Generate(ctx context.Context, diseaseName, profileSummary string) (Result, error) {
	req := gemini.Request{
		Prompt: BuildPrompt(diseaseName, profileSummary),
		Schema: ResponseSchema(),
	}

	res, attempts, err := retry.Do(ctx, g.policy, func(ctx context.Context, attempt int) (Result, error) {
		raw, err := g.client.GenerateJSON(ctx, req)
		if err != nil {
			g.logger.Warn("generation attempt failed", "attempt", attempt, "error", err)
			return Result{}, classify(err)
		}
		r, err := decode(raw)
		if err != nil {
			g.logger.Warn("generation attempt returned malformed output", "attempt", attempt, "error", err)
			return Result{}, err
		}
		return r, nil
	})
	if err != nil {
		return Result{}, &GenerationFailed{
			Attempts: attempts,
			Message:  userMessage(err),
			Err:      err,
		}
	}
	res.Attempts = attempts
	return res, nil
}

// classify marks errors that will not improve with another attempt.
func classify(err error) error {
	var apiErr *gemini.APIError
	if errors.As(err, &apiErr) && !apiErr.Retryable() {
		return retry.Permanent(err)
	}
	var blocked *gemini.BlockedError
	if errors.As(err, &blocked) {
		return retry.Permanent(err)
	}
	return err
}

func decode(raw string) (Result, error) {
	raw = stripCodeFence(raw)

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Payload == nil {
		return Result{}, fmt.Errorf("%w: missing payload", ErrMalformed)
	}

	p := *env.Payload
	p.Normalize()

	title := strings.TrimSpace(env.Title)
	if title == "" {
		title = strings.TrimSpace(p.DiseaseName)
	}
	return Result{
		Title:   title,
		Summary: strings.TrimSpace(env.Summary),
		Payload: p,
	}, nil
}

// stripCodeFence removes a ```json fence some models wrap around JSON output.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func userMessage(err error) string {
	var apiErr *gemini.APIError
	var blocked *gemini.BlockedError
	switch {
	case errors.As(err, &blocked):
		return msgBlocked
	case errors.Is(err, ErrMalformed), errors.Is(err, gemini.ErrEmptyResponse):
		return msgMalformed
	case errors.As(err, &apiErr) && apiErr.Retryable():
		return msgBusy
	default:
		return msgUnexpected
	}
}
