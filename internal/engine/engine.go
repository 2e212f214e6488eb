// Package engine orchestrates query execution: it loads the tenant and
// instance, passes them through admission and the quota guard, resolves the
// effective agent configuration, runs the pipeline, and commits usage and the
// interaction record exactly once per admitted execution.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mosaic0/mosaic/internal/admission"
	"github.com/mosaic0/mosaic/internal/archetype"
	"github.com/mosaic0/mosaic/internal/generation"
	"github.com/mosaic0/mosaic/internal/interaction"
	"github.com/mosaic0/mosaic/internal/knowledge"
	"github.com/mosaic0/mosaic/internal/pipeline"
	"github.com/mosaic0/mosaic/internal/quota"
	"github.com/mosaic0/mosaic/internal/tenant"
)

// Sentinel errors returned by engine operations.
var (
	ErrEmptyPrompt      = errors.New("empty prompt")
	ErrTenantNotFound   = errors.New("tenant not found")
	ErrInstanceNotFound = errors.New("instance not found")
	ErrDomainTaken      = errors.New("domain already registered")
	ErrUnknownArchetype = errors.New("unknown archetype")
)

// DeniedError reports a quota-guard denial. The execution never started and
// was not charged.
type DeniedError struct {
	Reason quota.DenyReason
}

func (e *DeniedError) Error() string {
	return "admission denied: " + string(e.Reason)
}

// Directory is the tenant and instance persistence the engine needs.
// Implementations return ErrTenantNotFound / ErrInstanceNotFound for missing
// rows.
type Directory interface {
	Tenant(ctx context.Context, id uuid.UUID) (*tenant.Tenant, error)
	TenantByDomain(ctx context.Context, domain string) (*tenant.Tenant, error)
	CreateTenant(ctx context.Context, t *tenant.Tenant) error

	Instance(ctx context.Context, id uuid.UUID) (*tenant.Instance, error)
	InstancesByTenant(ctx context.Context, tenantID uuid.UUID) ([]*tenant.Instance, error)
	CreateInstance(ctx context.Context, inst *tenant.Instance) error
	SetInstanceStatus(ctx context.Context, id uuid.UUID, status tenant.Status) error
}

// Recorder persists the interaction history.
type Recorder interface {
	Record(ctx context.Context, rec *interaction.Interaction) error
}

// Knowledge is the slice of the knowledge store the engine touches directly.
// It doubles as the pipeline's retriever.
type Knowledge interface {
	Search(ctx context.Context, scope, query string, topK int) ([]knowledge.Hit, error)
	EnsureCollection(ctx context.Context, scope string) error
	DropCollection(ctx context.Context, scope string) error
}

// Params collects the engine's dependencies.
type Params struct {
	Directory Directory
	Recorder  Recorder
	Knowledge Knowledge
	Generator generation.Generator
	Guard     *quota.Guard
	Admitter  *admission.Controller
	Logger    *slog.Logger

	// ModelPin, when non-empty, overrides the archetype model for every
	// execution. Used to pin the whole deployment to one model.
	ModelPin string
}

// Engine is the multi-tenant execution engine. Safe for concurrent use.
type Engine struct {
	directory Directory
	recorder  Recorder
	knowledge Knowledge
	generator generation.Generator
	guard     *quota.Guard
	admitter  *admission.Controller
	logger    *slog.Logger
	modelPin  string
	now       func() time.Time
}

// New validates the dependency set and assembles the engine.
func New(p Params) (*Engine, error) {
	switch {
	case p.Directory == nil:
		return nil, errors.New("engine: nil directory")
	case p.Recorder == nil:
		return nil, errors.New("engine: nil recorder")
	case p.Knowledge == nil:
		return nil, errors.New("engine: nil knowledge store")
	case p.Generator == nil:
		return nil, errors.New("engine: nil generator")
	case p.Guard == nil:
		return nil, errors.New("engine: nil quota guard")
	case p.Admitter == nil:
		return nil, errors.New("engine: nil admission controller")
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return &Engine{
		directory: p.Directory,
		recorder:  p.Recorder,
		knowledge: p.Knowledge,
		generator: p.Generator,
		guard:     p.Guard,
		admitter:  p.Admitter,
		logger:    p.Logger,
		modelPin:  p.ModelPin,
		now:       time.Now,
	}, nil
}

// QueryRequest identifies one query against an agent instance.
type QueryRequest struct {
	InstanceID uuid.UUID
	UserID     string
	Prompt     string
}

// QueryResult is the outcome of an admitted execution. Success is false when
// the pipeline failed internally; the caller still gets a well-formed result.
type QueryResult struct {
	InteractionID uuid.UUID
	Response      string
	Model         string
	TokensIn      int
	TokensOut     int
	ResponseTime  time.Duration
	ContextChunks int
	Success       bool
	ErrorMessage  string
}

// Query executes one prompt against an instance.
//
// Ordering: the request first competes for an admission slot, then passes the
// quota guard. A queue-wait expiry means the execution never started and is
// not charged. Once the guard admits, usage is committed exactly once no
// matter how the pipeline ends, timeouts included.
func (e *Engine) Query(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	if req.Prompt == "" {
		return nil, ErrEmptyPrompt
	}

	inst, err := e.directory.Instance(ctx, req.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("loading instance %s: %w", req.InstanceID, err)
	}
	t, err := e.directory.Tenant(ctx, inst.TenantID)
	if err != nil {
		return nil, fmt.Errorf("loading tenant %s: %w", inst.TenantID, err)
	}

	var result *QueryResult
	err = e.admitter.WithSlot(ctx, inst.Quota.Timeout, func(ctx context.Context) error {
		decision := e.guard.Admit(t, inst)
		if !decision.Allowed {
			e.logger.Info("query denied",
				"tenant_id", t.ID,
				"instance_id", inst.ID,
				"reason", decision.Reason,
			)
			return &DeniedError{Reason: decision.Reason}
		}

		result = e.run(ctx, t, inst, req)
		return nil
	})

	switch {
	case err == nil:
		return result, nil
	case errors.Is(err, admission.ErrExecutionTimeout):
		// The execution ran and was charged inside run; result may carry
		// partial accounting but the caller sees the timeout.
		return nil, err
	default:
		return nil, err
	}
}

// run executes the pipeline for an admitted request and settles usage and
// history. It never returns before both the quota commit and the interaction
// record have been attempted.
func (e *Engine) run(ctx context.Context, t *tenant.Tenant, inst *tenant.Instance, req QueryRequest) *QueryResult {
	cfg, known := archetype.Resolve(inst.Archetype, inst.Overrides)
	if !known {
		e.logger.Warn("unknown archetype, using default",
			"instance_id", inst.ID,
			"archetype", inst.Archetype,
		)
	}
	cfg.CollectionScope = inst.CollectionScope()
	cfg.Timeout = inst.Quota.Timeout
	if e.modelPin != "" {
		cfg.Model = e.modelPin
	}

	p := pipeline.New(cfg, e.knowledge, e.generator, e.logger)
	res := p.Execute(ctx, req.Prompt, map[string]any{
		"tenant_id":   t.ID.String(),
		"instance_id": inst.ID.String(),
	})

	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)

	// Settlement must survive the expired execution context.
	settleCtx := context.WithoutCancel(ctx)

	outcome := quota.Outcome{
		Success:    res.Success && !timedOut,
		TimedOut:   timedOut,
		TokensUsed: int64(res.TokensIn + res.TokensOut),
	}
	if err := e.guard.Commit(settleCtx, t, inst, outcome); err != nil {
		e.logger.Error("usage commit failed",
			"tenant_id", t.ID,
			"instance_id", inst.ID,
			"error", err,
		)
	}

	rec := &interaction.Interaction{
		ID:             uuid.New(),
		TenantID:       t.ID,
		InstanceID:     inst.ID,
		UserID:         req.UserID,
		Prompt:         req.Prompt,
		Response:       res.Response,
		Model:          res.Model,
		TokensIn:       res.TokensIn,
		TokensOut:      res.TokensOut,
		ResponseTimeMs: res.ExecutionTime.Milliseconds(),
		ContextChunks:  res.ContextUsed,
		Status:         executionStatus(res, timedOut),
		CreatedAt:      e.now(),
	}
	if res.Err != nil {
		rec.ErrorMessage = res.Err.Error()
	}
	if err := e.recorder.Record(settleCtx, rec); err != nil {
		e.logger.Error("interaction record failed",
			"interaction_id", rec.ID,
			"error", err,
		)
	}

	out := &QueryResult{
		InteractionID: rec.ID,
		Response:      res.Response,
		Model:         res.Model,
		TokensIn:      res.TokensIn,
		TokensOut:     res.TokensOut,
		ResponseTime:  res.ExecutionTime,
		ContextChunks: res.ContextUsed,
		Success:       outcome.Success,
		ErrorMessage:  publicErrorMessage(res.Err, timedOut),
	}
	return out
}

// publicErrorMessage maps an execution failure to the fixed message exposed
// in the caller-visible envelope. Raw adapter errors carry hosts, addresses
// and provider detail that must not cross the tenant boundary; the full
// error stays in the interaction record and the logs.
func publicErrorMessage(err error, timedOut bool) string {
	switch {
	case timedOut:
		return "execution timed out"
	case err == nil:
		return ""
	case errors.Is(err, pipeline.ErrRetrieval):
		return "retrieval failed"
	case errors.Is(err, pipeline.ErrGeneration):
		return "generation failed"
	case errors.Is(err, pipeline.ErrPostprocess):
		return "postprocessing failed"
	default:
		return "execution failed"
	}
}

func executionStatus(res *pipeline.Result, timedOut bool) interaction.Status {
	switch {
	case timedOut:
		return interaction.StatusTimeout
	case res.Success:
		return interaction.StatusCompleted
	default:
		return interaction.StatusFailed
	}
}
