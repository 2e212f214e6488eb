package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mosaic0/mosaic/internal/engine"
	"github.com/mosaic0/mosaic/internal/tenant"
)

// Directory is the PostgreSQL implementation of engine.Directory.
type Directory struct {
	pool *pgxpool.Pool
}

// NewDirectory creates a Directory backed by the given pool.
func NewDirectory(pool *pgxpool.Pool) *Directory {
	return &Directory{pool: pool}
}

// overridesDoc is the JSONB shape of instance overrides.
type overridesDoc struct {
	Model        string         `json:"model,omitempty"`
	Temperature  *float32       `json:"temperature,omitempty"`
	TopK         *int           `json:"top_k,omitempty"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Extras       map[string]any `json:"extras,omitempty"`
}

const tenantColumns = `id, org_name, domain, plan, status,
	trial_start, trial_end,
	trial_queries_used, trial_queries_limit,
	trial_upload_mb_used, trial_upload_mb_limit,
	created_at, updated_at`

func (d *Directory) Tenant(ctx context.Context, id uuid.UUID) (*tenant.Tenant, error) {
	row := d.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
	return scanTenant(row)
}

func (d *Directory) TenantByDomain(ctx context.Context, domain string) (*tenant.Tenant, error) {
	row := d.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE domain = $1`, domain)
	return scanTenant(row)
}

func (d *Directory) CreateTenant(ctx context.Context, t *tenant.Tenant) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO tenants (
			id, org_name, domain, plan, status,
			trial_start, trial_end,
			trial_queries_used, trial_queries_limit,
			trial_upload_mb_used, trial_upload_mb_limit,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())`,
		t.ID, t.OrgName, t.Domain, t.Plan, t.Status,
		nullableTime(t.TrialStart), nullableTime(t.TrialEnd),
		t.TrialQueriesUsed, t.TrialQueriesLimit,
		t.TrialUploadMBUsed, t.TrialUploadMBLimit,
	)
	if err != nil {
		return fmt.Errorf("inserting tenant %s: %w", t.ID, err)
	}
	return nil
}

func scanTenant(row pgx.Row) (*tenant.Tenant, error) {
	var (
		t                     tenant.Tenant
		trialStart, trialEnd  pgtype.Timestamptz
	)
	err := row.Scan(
		&t.ID, &t.OrgName, &t.Domain, &t.Plan, &t.Status,
		&trialStart, &trialEnd,
		&t.TrialQueriesUsed, &t.TrialQueriesLimit,
		&t.TrialUploadMBUsed, &t.TrialUploadMBLimit,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, engine.ErrTenantNotFound
		}
		return nil, fmt.Errorf("scanning tenant: %w", err)
	}
	t.TrialStart = trialStart.Time
	t.TrialEnd = trialEnd.Time
	return &t, nil
}

const instanceColumns = `id, tenant_id, name, archetype, status,
	max_queries, max_storage_mb, timeout_seconds, overrides,
	queries_count, tokens_used, last_used_at, provisioned_at,
	created_at, updated_at`

func (d *Directory) Instance(ctx context.Context, id uuid.UUID) (*tenant.Instance, error) {
	row := d.pool.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM agent_instances WHERE id = $1`, id)
	return scanInstance(row)
}

func (d *Directory) InstancesByTenant(ctx context.Context, tenantID uuid.UUID) ([]*tenant.Instance, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT `+instanceColumns+`
		 FROM agent_instances
		 WHERE tenant_id = $1 AND status <> 'deleted'
		 ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing instances for tenant %s: %w", tenantID, err)
	}
	defer rows.Close()

	var out []*tenant.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating instances: %w", err)
	}
	return out, nil
}

func (d *Directory) CreateInstance(ctx context.Context, inst *tenant.Instance) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO agent_instances (
			id, tenant_id, name, archetype, status,
			max_queries, max_storage_mb, timeout_seconds, overrides,
			queries_count, tokens_used,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())`,
		inst.ID, inst.TenantID, inst.Name, inst.Archetype, inst.Status,
		inst.Quota.MaxQueries, inst.Quota.MaxStorageMB,
		int(inst.Quota.Timeout/time.Second),
		overridesDoc{
			Model:        inst.Overrides.Model,
			Temperature:  inst.Overrides.Temperature,
			TopK:         inst.Overrides.TopK,
			SystemPrompt: inst.Overrides.SystemPrompt,
			Extras:       inst.Overrides.Extras,
		},
		inst.QueriesCount, inst.TokensUsed,
	)
	if err != nil {
		return fmt.Errorf("inserting instance %s: %w", inst.ID, err)
	}
	return nil
}

// SetInstanceStatus updates the lifecycle state. Activation stamps
// provisioned_at on the first transition to active.
func (d *Directory) SetInstanceStatus(ctx context.Context, id uuid.UUID, status tenant.Status) error {
	tag, err := d.pool.Exec(ctx, `
		UPDATE agent_instances
		SET status = $2,
		    provisioned_at = CASE
		        WHEN $2 = 'active' AND provisioned_at IS NULL THEN now()
		        ELSE provisioned_at
		    END,
		    updated_at = now()
		WHERE id = $1`,
		id, status)
	if err != nil {
		return fmt.Errorf("updating instance %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return engine.ErrInstanceNotFound
	}
	return nil
}

func scanInstance(row pgx.Row) (*tenant.Instance, error) {
	var (
		inst                      tenant.Instance
		timeoutSeconds            int
		overrides                 overridesDoc
		lastUsedAt, provisionedAt pgtype.Timestamptz
	)
	err := row.Scan(
		&inst.ID, &inst.TenantID, &inst.Name, &inst.Archetype, &inst.Status,
		&inst.Quota.MaxQueries, &inst.Quota.MaxStorageMB, &timeoutSeconds, &overrides,
		&inst.QueriesCount, &inst.TokensUsed, &lastUsedAt, &provisionedAt,
		&inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, engine.ErrInstanceNotFound
		}
		return nil, fmt.Errorf("scanning instance: %w", err)
	}
	inst.Quota.Timeout = time.Duration(timeoutSeconds) * time.Second
	inst.Overrides = tenant.Overrides{
		Model:        overrides.Model,
		Temperature:  overrides.Temperature,
		TopK:         overrides.TopK,
		SystemPrompt: overrides.SystemPrompt,
		Extras:       overrides.Extras,
	}
	inst.LastUsedAt = lastUsedAt.Time
	inst.ProvisionedAt = provisionedAt.Time
	return &inst, nil
}

// nullableTime maps the zero time to SQL NULL.
func nullableTime(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}
