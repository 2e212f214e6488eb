package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mosaic0/mosaic/internal/engine"
)

// UsageStore is the PostgreSQL implementation of quota.UsageStore. Both
// increments are single atomic UPDATEs, so concurrent commits cannot lose
// counts even across multiple engine processes.
type UsageStore struct {
	pool *pgxpool.Pool
}

// NewUsageStore creates a UsageStore backed by the given pool.
func NewUsageStore(pool *pgxpool.Pool) *UsageStore {
	return &UsageStore{pool: pool}
}

func (s *UsageStore) IncrementInstanceUsage(ctx context.Context, instanceID uuid.UUID, tokens int64, usedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agent_instances
		SET queries_count = queries_count + 1,
		    tokens_used = tokens_used + $2,
		    last_used_at = $3,
		    updated_at = now()
		WHERE id = $1`,
		instanceID, tokens, usedAt)
	if err != nil {
		return fmt.Errorf("incrementing usage for instance %s: %w", instanceID, err)
	}
	if tag.RowsAffected() == 0 {
		return engine.ErrInstanceNotFound
	}
	return nil
}

func (s *UsageStore) IncrementTenantTrialQueries(ctx context.Context, tenantID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tenants
		SET trial_queries_used = trial_queries_used + 1,
		    updated_at = now()
		WHERE id = $1`,
		tenantID)
	if err != nil {
		return fmt.Errorf("incrementing trial queries for tenant %s: %w", tenantID, err)
	}
	if tag.RowsAffected() == 0 {
		return engine.ErrTenantNotFound
	}
	return nil
}
