// Package generation adapts the language model behind a narrow interface:
// (system prompt, context, query) in, generated text plus token and latency
// metadata out.
//
// The engine and pipeline depend only on the Generator interface, so the
// genkit-backed implementation and the whitespace token fallback can be
// swapped without touching pipeline logic.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"golang.org/x/time/rate"
)

// ErrEmptyResponse indicates the model returned no text.
var ErrEmptyResponse = errors.New("model returned empty response")

// Request carries one generation call.
type Request struct {
	SystemPrompt string
	Prompt       string
	Model        string
	Temperature  float32

	// Extras is the adapter-specific passthrough bag from the resolved
	// agent configuration; merged into the model config verbatim.
	Extras map[string]any
}

// Result is the outcome of one generation call.
type Result struct {
	Text       string
	Model      string
	TokensIn   int
	TokensOut  int
	Latency    time.Duration
}

// TokensTotal returns the combined token count.
func (r *Result) TokensTotal() int {
	return r.TokensIn + r.TokensOut
}

// Generator is the generation adapter consumed by the pipeline.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}

// ModelGenerator is the genkit-backed Generator. A proactive rate limiter
// smooths call bursts toward the provider; nil disables limiting.
type ModelGenerator struct {
	g       *genkit.Genkit
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewModel creates a genkit-backed generator. A nil limiter disables
// proactive rate limiting; a nil logger falls back to slog.Default().
func NewModel(g *genkit.Genkit, limiter *rate.Limiter, logger *slog.Logger) *ModelGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &ModelGenerator{g: g, limiter: limiter, logger: logger}
}

// Generate runs one model call. Token counts come from the provider's usage
// report when available, falling back to a rough whitespace estimate.
func (m *ModelGenerator) Generate(ctx context.Context, req Request) (*Result, error) {
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	cfg := map[string]any{"temperature": req.Temperature}
	for k, v := range req.Extras {
		cfg[k] = v
	}

	start := time.Now()
	resp, err := genkit.Generate(ctx, m.g,
		ai.WithModelName(req.Model),
		ai.WithSystem(req.SystemPrompt),
		ai.WithPrompt(req.Prompt),
		ai.WithConfig(cfg),
	)
	latency := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("generating with model %q: %w", req.Model, err)
	}

	text := resp.Text()
	if text == "" {
		return nil, ErrEmptyResponse
	}

	result := &Result{
		Text:    text,
		Model:   req.Model,
		Latency: latency,
	}

	if resp.Usage != nil && resp.Usage.TotalTokens > 0 {
		result.TokensIn = resp.Usage.InputTokens
		result.TokensOut = resp.Usage.OutputTokens
	} else {
		// Rough placeholder counting until the provider reports usage.
		result.TokensIn = EstimateTokens(req.SystemPrompt) + EstimateTokens(req.Prompt)
		result.TokensOut = EstimateTokens(text)
	}

	m.logger.Debug("generated response",
		"model", req.Model,
		"latency_ms", latency.Milliseconds(),
		"tokens_in", result.TokensIn,
		"tokens_out", result.TokensOut,
	)
	return result, nil
}

// EstimateTokens approximates a token count by splitting on whitespace.
// It is a placeholder, not a tokenizer; callers must treat it as an estimate.
func EstimateTokens(text string) int {
	return len(strings.Fields(text))
}
