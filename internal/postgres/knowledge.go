package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mosaic0/mosaic/internal/knowledge"
)

// KnowledgeQuerier is the PostgreSQL implementation of knowledge.Querier.
// Every query is scope-filtered; there is no unscoped read path.
type KnowledgeQuerier struct {
	pool *pgxpool.Pool
}

// NewKnowledgeQuerier creates a KnowledgeQuerier backed by the given pool.
func NewKnowledgeQuerier(pool *pgxpool.Pool) *KnowledgeQuerier {
	return &KnowledgeQuerier{pool: pool}
}

func (q *KnowledgeQuerier) EnsureScope(ctx context.Context, scope string) error {
	_, err := q.pool.Exec(ctx, `
		INSERT INTO knowledge_scopes (scope) VALUES ($1)
		ON CONFLICT (scope) DO NOTHING`,
		scope)
	if err != nil {
		return fmt.Errorf("ensuring scope %q: %w", scope, err)
	}
	return nil
}

func (q *KnowledgeQuerier) UpsertChunk(ctx context.Context, arg knowledge.UpsertChunkParams) error {
	_, err := q.pool.Exec(ctx, `
		INSERT INTO knowledge_chunks (id, scope, content, embedding, metadata)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET content = EXCLUDED.content,
		    embedding = EXCLUDED.embedding,
		    metadata = EXCLUDED.metadata`,
		arg.ID, arg.Scope, arg.Text, arg.Embedding, arg.Metadata)
	if err != nil {
		return fmt.Errorf("upserting chunk %q: %w", arg.ID, err)
	}
	return nil
}

func (q *KnowledgeQuerier) SearchScope(ctx context.Context, arg knowledge.SearchScopeParams) ([]knowledge.ScopeHit, error) {
	// Cosine distance; similarity = 1 - distance.
	rows, err := q.pool.Query(ctx, `
		SELECT id, content, metadata, created_at,
		       1 - (embedding <=> $2) AS similarity
		FROM knowledge_chunks
		WHERE scope = $1
		ORDER BY embedding <=> $2
		LIMIT $3`,
		arg.Scope, arg.QueryEmbedding, arg.Limit)
	if err != nil {
		return nil, fmt.Errorf("searching scope %q: %w", arg.Scope, err)
	}
	defer rows.Close()

	var hits []knowledge.ScopeHit
	for rows.Next() {
		var hit knowledge.ScopeHit
		if err := rows.Scan(&hit.ID, &hit.Text, &hit.Metadata, &hit.CreatedAt, &hit.Similarity); err != nil {
			return nil, fmt.Errorf("scanning search row: %w", err)
		}
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating search rows: %w", err)
	}
	return hits, nil
}

func (q *KnowledgeQuerier) DeleteScope(ctx context.Context, scope string) error {
	// Chunks cascade from the scope row.
	_, err := q.pool.Exec(ctx,
		`DELETE FROM knowledge_scopes WHERE scope = $1`, scope)
	if err != nil {
		return fmt.Errorf("deleting scope %q: %w", scope, err)
	}
	return nil
}

func (q *KnowledgeQuerier) CountScope(ctx context.Context, scope string) (int64, error) {
	var n int64
	err := q.pool.QueryRow(ctx,
		`SELECT count(*) FROM knowledge_chunks WHERE scope = $1`, scope).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting scope %q: %w", scope, err)
	}
	return n, nil
}
