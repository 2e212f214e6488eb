// Package pipeline implements the fixed three-stage execution pipeline:
// Retrieve → Generate → Postprocess over one mutable State.
//
// The topology never varies, so the stages are plain methods run strictly in
// sequence rather than nodes of a general graph engine. Stage failures become
// values on the State; Execute always returns a Result and never panics past
// its boundary, so callers are guaranteed something to charge usage against.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/mosaic0/mosaic/internal/archetype"
	"github.com/mosaic0/mosaic/internal/generation"
	"github.com/mosaic0/mosaic/internal/knowledge"
)

// NoContextSentinel is the prompt fragment used when retrieval yields no
// passages; generation proceeds without context instead of failing.
const NoContextSentinel = "No relevant context found."

// Stage failure sentinels. Wrapped around the underlying adapter error so
// both the class and the cause survive errors.Is/errors.As.
var (
	ErrRetrieval   = errors.New("retrieval failed")
	ErrGeneration  = errors.New("generation failed")
	ErrPostprocess = errors.New("postprocessing failed")
)

// Metadata keys written by the stages.
const (
	MetaRetrievalResults = "retrieval_results"
	MetaTopScores        = "top_scores"
	MetaGenerationTimeMs = "generation_time_ms"
	MetaModel            = "model"
	MetaPostprocessed    = "postprocessed"
)

// State is the mutable record threaded through the three stages. Each
// execution owns its State exclusively; it is never shared across executions.
// Once Err is set, later stages must not mutate Response or Context beyond
// Postprocess's pass-through.
type State struct {
	Query    string
	Context  []string
	Response string
	Metadata map[string]any
	Err      error

	// Generation accounting, filled by the generate stage.
	TokensIn  int
	TokensOut int
	Model     string
}

// Result is what Execute always returns, success or failure.
type Result struct {
	Response      string
	ContextUsed   int
	ExecutionTime time.Duration
	Metadata      map[string]any
	Err           error
	Success       bool

	TokensIn  int
	TokensOut int
	Model     string
}

// Retriever is the slice of the knowledge store the pipeline needs.
type Retriever interface {
	Search(ctx context.Context, scope, query string, topK int) ([]knowledge.Hit, error)
}

// Pipeline executes one resolved agent configuration. Construct one per
// execution; the configuration snapshot is immutable for its lifetime.
type Pipeline struct {
	cfg       archetype.Config
	retriever Retriever
	generator generation.Generator
	logger    *slog.Logger
}

// New creates a Pipeline. A nil logger falls back to slog.Default().
func New(cfg archetype.Config, retriever Retriever, generator generation.Generator, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:       cfg,
		retriever: retriever,
		generator: generator,
		logger:    logger,
	}
}

// Execute runs the three stages in sequence and reports the outcome.
// ExecutionTime is wall clock across all stages.
func (p *Pipeline) Execute(ctx context.Context, query string, priorMetadata map[string]any) *Result {
	state := &State{
		Query:    query,
		Metadata: make(map[string]any, len(priorMetadata)+4),
	}
	maps.Copy(state.Metadata, priorMetadata)

	start := time.Now()
	p.runStage(ctx, state, "retrieve", ErrRetrieval, p.retrieve)
	p.runStage(ctx, state, "generate", ErrGeneration, p.generate)
	p.runStage(ctx, state, "postprocess", ErrPostprocess, p.postprocess)
	elapsed := time.Since(start)

	if state.Err != nil {
		p.logger.Warn("pipeline execution failed",
			"archetype", p.cfg.Archetype,
			"error", state.Err,
			"elapsed_ms", elapsed.Milliseconds(),
		)
	}

	return &Result{
		Response:      state.Response,
		ContextUsed:   len(state.Context),
		ExecutionTime: elapsed,
		Metadata:      state.Metadata,
		Err:           state.Err,
		Success:       state.Err == nil,
		TokensIn:      state.TokensIn,
		TokensOut:     state.TokensOut,
		Model:         state.Model,
	}
}

// runStage invokes one stage and converts any escaping panic into a stage
// error on the state. The pipeline as a whole never raises.
func (p *Pipeline) runStage(ctx context.Context, state *State, name string, sentinel error, fn func(context.Context, *State)) {
	defer func() {
		if r := recover(); r != nil {
			state.Err = fmt.Errorf("%w: panic in %s stage: %v", sentinel, name, r)
			p.logger.Error("stage panicked", "stage", name, "panic", r)
		}
	}()
	fn(ctx, state)
}

// retrieve populates state.Context from the knowledge store. A missing
// collection scope degrades gracefully to no-context generation. A retrieval
// failure stops content generation but the pipeline still returns a result.
func (p *Pipeline) retrieve(ctx context.Context, state *State) {
	if state.Err != nil {
		return
	}

	if p.cfg.CollectionScope == "" {
		p.logger.Warn("no collection scope configured, skipping retrieval",
			"archetype", p.cfg.Archetype)
		return
	}

	hits, err := p.retriever.Search(ctx, p.cfg.CollectionScope, state.Query, p.cfg.TopK)
	if err != nil {
		state.Err = fmt.Errorf("%w: %w", ErrRetrieval, err)
		return
	}

	state.Context = make([]string, 0, len(hits))
	topScores := make([]float32, 0, 3)
	for i, hit := range hits {
		state.Context = append(state.Context, hit.Text)
		if i < 3 {
			topScores = append(topScores, hit.Score)
		}
	}
	state.Metadata[MetaRetrievalResults] = len(hits)
	state.Metadata[MetaTopScores] = topScores

	p.logger.Debug("retrieved context",
		"scope", p.cfg.CollectionScope,
		"chunks", len(hits),
	)
}

// generate calls the model. Skipped when an earlier stage failed; its own
// failure leaves any retrieved context intact.
func (p *Pipeline) generate(ctx context.Context, state *State) {
	if state.Err != nil {
		return
	}

	contextText := NoContextSentinel
	if len(state.Context) > 0 {
		contextText = strings.Join(state.Context, "\n\n")
	}
	prompt := fmt.Sprintf("Context:\n%s\n\nQuestion: %s", contextText, state.Query)

	result, err := p.generator.Generate(ctx, generation.Request{
		SystemPrompt: p.cfg.SystemPrompt,
		Prompt:       prompt,
		Model:        p.cfg.Model,
		Temperature:  p.cfg.Temperature,
		Extras:       p.cfg.Extras,
	})
	if err != nil {
		state.Err = fmt.Errorf("%w: %w", ErrGeneration, err)
		return
	}

	state.Response = result.Text
	state.TokensIn = result.TokensIn
	state.TokensOut = result.TokensOut
	state.Model = result.Model
	state.Metadata[MetaGenerationTimeMs] = result.Latency.Milliseconds()
	state.Metadata[MetaModel] = result.Model
}

// postprocess runs unconditionally but performs no content transformation
// when an error is present. The single extension point for response
// sanitization; must stay idempotent and side-effect-free beyond trimming.
func (p *Pipeline) postprocess(_ context.Context, state *State) {
	if state.Err != nil {
		return
	}

	state.Response = strings.TrimSpace(state.Response)
	state.Metadata[MetaPostprocessed] = true
}
