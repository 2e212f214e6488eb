package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mosaic0/mosaic/internal/archetype"
	"github.com/mosaic0/mosaic/internal/tenant"
)

// TrialPeriod is the length of the trial window opened by StartTrial.
const TrialPeriod = 14 * 24 * time.Hour

// StartTrialParams describes a new trial signup: one tenant plus its first
// agent instance provisioned from an archetype.
type StartTrialParams struct {
	OrgName      string
	Domain       string
	Archetype    string
	InstanceName string
}

// TrialProvision is the result of a successful trial signup.
type TrialProvision struct {
	Tenant   *tenant.Tenant
	Instance *tenant.Instance
}

// StartTrial registers a trial tenant and provisions its first instance. The
// domain is the uniqueness key; a second signup for the same domain fails
// with ErrDomainTaken. The instance comes back active with its knowledge
// collection ready.
func (e *Engine) StartTrial(ctx context.Context, p StartTrialParams) (*TrialProvision, error) {
	if p.OrgName == "" || p.Domain == "" {
		return nil, errors.New("org name and domain are required")
	}
	if _, ok := archetype.Lookup(p.Archetype); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownArchetype, p.Archetype)
	}

	existing, err := e.directory.TenantByDomain(ctx, p.Domain)
	if err != nil && !errors.Is(err, ErrTenantNotFound) {
		return nil, fmt.Errorf("checking domain %q: %w", p.Domain, err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %q", ErrDomainTaken, p.Domain)
	}

	now := e.now()
	t := &tenant.Tenant{
		ID:                 uuid.New(),
		OrgName:            p.OrgName,
		Domain:             p.Domain,
		Plan:               tenant.PlanTrial,
		Status:             "active",
		TrialStart:         now,
		TrialEnd:           now.Add(TrialPeriod),
		TrialQueriesLimit:  tenant.DefaultTrialQueriesLimit,
		TrialUploadMBLimit: tenant.DefaultTrialUploadMBLimit,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := e.directory.CreateTenant(ctx, t); err != nil {
		return nil, fmt.Errorf("creating tenant: %w", err)
	}

	name := p.InstanceName
	if name == "" {
		name = p.Archetype
	}
	inst := &tenant.Instance{
		ID:        uuid.New(),
		TenantID:  t.ID,
		Name:      name,
		Archetype: p.Archetype,
		Status:    tenant.StatusProvisioning,
		Quota:     tenant.TrialQuota,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.directory.CreateInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("creating instance: %w", err)
	}

	if err := e.knowledge.EnsureCollection(ctx, inst.CollectionScope()); err != nil {
		// The instance stays in provisioning; the signup can be retried.
		return nil, fmt.Errorf("provisioning collection: %w", err)
	}
	if err := e.directory.SetInstanceStatus(ctx, inst.ID, tenant.StatusActive); err != nil {
		return nil, fmt.Errorf("activating instance: %w", err)
	}
	inst.Status = tenant.StatusActive
	inst.ProvisionedAt = e.now()

	e.logger.Info("trial provisioned",
		"tenant_id", t.ID,
		"instance_id", inst.ID,
		"archetype", inst.Archetype,
	)
	return &TrialProvision{Tenant: t, Instance: inst}, nil
}

// SuspendInstance moves an active instance to suspended. Suspended instances
// keep their knowledge and usage counters but fail admission.
func (e *Engine) SuspendInstance(ctx context.Context, id uuid.UUID) error {
	return e.transition(ctx, id, tenant.StatusSuspended)
}

// ResumeInstance moves a suspended instance back to active.
func (e *Engine) ResumeInstance(ctx context.Context, id uuid.UUID) error {
	return e.transition(ctx, id, tenant.StatusActive)
}

// DeleteInstance marks the instance deleted and drops its knowledge
// collection. Deletion is terminal.
func (e *Engine) DeleteInstance(ctx context.Context, id uuid.UUID) error {
	inst, err := e.directory.Instance(ctx, id)
	if err != nil {
		return fmt.Errorf("loading instance %s: %w", id, err)
	}
	if !inst.Status.CanTransition(tenant.StatusDeleted) {
		return fmt.Errorf("%w: %s -> %s", tenant.ErrInvalidTransition, inst.Status, tenant.StatusDeleted)
	}
	if err := e.directory.SetInstanceStatus(ctx, id, tenant.StatusDeleted); err != nil {
		return fmt.Errorf("deleting instance %s: %w", id, err)
	}
	if err := e.knowledge.DropCollection(ctx, inst.CollectionScope()); err != nil {
		return fmt.Errorf("dropping collection for %s: %w", id, err)
	}
	e.logger.Info("instance deleted", "instance_id", id, "tenant_id", inst.TenantID)
	return nil
}

func (e *Engine) transition(ctx context.Context, id uuid.UUID, next tenant.Status) error {
	inst, err := e.directory.Instance(ctx, id)
	if err != nil {
		return fmt.Errorf("loading instance %s: %w", id, err)
	}
	if !inst.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", tenant.ErrInvalidTransition, inst.Status, next)
	}
	if err := e.directory.SetInstanceStatus(ctx, id, next); err != nil {
		return fmt.Errorf("updating instance %s: %w", id, err)
	}
	e.logger.Info("instance status changed", "instance_id", id, "status", next)
	return nil
}

// Instances lists a tenant's agent instances.
func (e *Engine) Instances(ctx context.Context, tenantID uuid.UUID) ([]*tenant.Instance, error) {
	return e.directory.InstancesByTenant(ctx, tenantID)
}

// Catalog returns the archetype catalog.
func (e *Engine) Catalog() []archetype.Entry {
	return archetype.Catalog()
}
