// Package quota implements the quota guard: the pre-admission check against
// tenant trial state and per-instance resource quota, and the post-execution
// usage commit that charges every admitted execution, success or failure.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mosaic0/mosaic/internal/tenant"
)

// DenyReason distinguishes admission denials so the boundary layer can map
// them to distinct external error codes.
type DenyReason string

const (
	DenyInstanceInactive       DenyReason = "instance-inactive"
	DenyTrialExpired           DenyReason = "trial-expired"
	DenyInstanceQuotaExhausted DenyReason = "instance-quota-exhausted"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	Reason  DenyReason // set only when denied
}

// Allow returns an admitting decision.
func Allow() Decision { return Decision{Allowed: true} }

// Deny returns a denying decision with the given reason.
func Deny(reason DenyReason) Decision { return Decision{Reason: reason} }

// Outcome describes a finished execution for the commit step.
type Outcome struct {
	Success    bool
	TimedOut   bool
	TokensUsed int64 // 0 on failure
}

// UsageStore is the persistence slice the guard writes through. The store
// must provide atomic increment semantics for the usage counters.
type UsageStore interface {
	// IncrementInstanceUsage adds one query and the given tokens to the
	// instance's counters and stamps lastUsedAt.
	IncrementInstanceUsage(ctx context.Context, instanceID uuid.UUID, tokens int64, usedAt time.Time) error

	// IncrementTenantTrialQueries adds one used trial query to the tenant.
	IncrementTenantTrialQueries(ctx context.Context, tenantID uuid.UUID) error
}

// lockShards sizes the commit lock table. Power of two.
const lockShards = 64

// Guard evaluates admission and commits usage. Safe for concurrent use;
// commits against the same instance serialize on a striped lock so
// read-modify-write stores cannot lose updates.
type Guard struct {
	store  UsageStore
	logger *slog.Logger
	now    func() time.Time

	locks [lockShards]sync.Mutex
}

// New creates a Guard. A nil logger falls back to slog.Default().
func New(store UsageStore, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Admit decides whether an execution may proceed. Checks run in a fixed
// order and the first failure wins:
//
//  1. the instance must be active;
//  2. trial-plan tenants must be inside their trial window;
//  3. the instance's own query quota must not be exhausted.
//
// Denials here happen before any pipeline work and are never charged.
func (g *Guard) Admit(t *tenant.Tenant, inst *tenant.Instance) Decision {
	if inst.Status != tenant.StatusActive {
		return Deny(DenyInstanceInactive)
	}

	if t.Plan == tenant.PlanTrial && !t.TrialActive(g.now()) {
		return Deny(DenyTrialExpired)
	}

	if inst.QuotaExhausted() {
		return Deny(DenyInstanceQuotaExhausted)
	}

	return Allow()
}

// Commit charges one admitted execution. Called exactly once per admitted
// execution regardless of outcome: failed and timed-out executions consume
// quota too. For trial-plan tenants the tenant-level trial counter is
// incremented even on failure.
func (g *Guard) Commit(ctx context.Context, t *tenant.Tenant, inst *tenant.Instance, outcome Outcome) error {
	lock := &g.locks[shard(inst.ID)]
	lock.Lock()
	defer lock.Unlock()

	tokens := outcome.TokensUsed
	if !outcome.Success {
		tokens = 0
	}

	if err := g.store.IncrementInstanceUsage(ctx, inst.ID, tokens, g.now()); err != nil {
		return fmt.Errorf("committing instance usage for %s: %w", inst.ID, err)
	}

	if t.Plan == tenant.PlanTrial {
		if err := g.store.IncrementTenantTrialQueries(ctx, t.ID); err != nil {
			return fmt.Errorf("committing trial usage for tenant %s: %w", t.ID, err)
		}
	}

	g.logger.Debug("usage committed",
		"tenant", t.ID,
		"instance", inst.ID,
		"success", outcome.Success,
		"timed_out", outcome.TimedOut,
		"tokens", tokens,
	)
	return nil
}

// shard maps an instance ID onto the lock table.
func shard(id uuid.UUID) int {
	return int(id[0]^id[15]) & (lockShards - 1)
}
