package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mosaic0/mosaic/internal/interaction"
)

// Recorder is the PostgreSQL implementation of engine.Recorder.
type Recorder struct {
	pool *pgxpool.Pool
}

// NewRecorder creates a Recorder backed by the given pool.
func NewRecorder(pool *pgxpool.Pool) *Recorder {
	return &Recorder{pool: pool}
}

func (r *Recorder) Record(ctx context.Context, rec *interaction.Interaction) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO interactions (
			id, tenant_id, instance_id, user_id,
			prompt, response, model,
			tokens_in, tokens_out, response_time_ms, context_chunks,
			status, error_message, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		rec.ID, rec.TenantID, rec.InstanceID, rec.UserID,
		rec.Prompt, rec.Response, rec.Model,
		rec.TokensIn, rec.TokensOut, rec.ResponseTimeMs, rec.ContextChunks,
		rec.Status, rec.ErrorMessage, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting interaction %s: %w", rec.ID, err)
	}
	return nil
}

// RecentByInstance returns the newest interactions for an instance, newest
// first.
func (r *Recorder) RecentByInstance(ctx context.Context, instanceID uuid.UUID, limit int) ([]*interaction.Interaction, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_id, instance_id, user_id,
		       prompt, response, model,
		       tokens_in, tokens_out, response_time_ms, context_chunks,
		       status, error_message, created_at
		FROM interactions
		WHERE instance_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing interactions for %s: %w", instanceID, err)
	}
	defer rows.Close()

	var out []*interaction.Interaction
	for rows.Next() {
		var rec interaction.Interaction
		if err := rows.Scan(
			&rec.ID, &rec.TenantID, &rec.InstanceID, &rec.UserID,
			&rec.Prompt, &rec.Response, &rec.Model,
			&rec.TokensIn, &rec.TokensOut, &rec.ResponseTimeMs, &rec.ContextChunks,
			&rec.Status, &rec.ErrorMessage, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning interaction row: %w", err)
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating interaction rows: %w", err)
	}
	return out, nil
}
