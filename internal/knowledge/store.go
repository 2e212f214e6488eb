// Package knowledge implements the tenant-isolated knowledge store: embedding
// generation, chunk upserts and top-k similarity search over PostgreSQL with
// pgvector.
//
// Isolation contract: every operation is parameterized by a collection scope
// (see tenant.Instance.CollectionScope). A search in one scope must never
// return content upserted into another scope; crossing that boundary is a
// correctness bug, not a tuning concern.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"google.golang.org/genai"
)

// VectorDimension is the embedding width stored in pgvector. Gemini embedding
// models emit 3072 dimensions by default and support Matryoshka truncation;
// every embed request must ask for this width or Postgres rejects the write
// against the vector(768) column.
const VectorDimension int32 = 768

// Search bounds. TopK is clamped rather than rejected so a misconfigured
// archetype degrades instead of failing the whole pipeline.
const (
	DefaultTopK = 5
	MaxTopK     = 50

	// searchTimeout caps a single embed+search round trip.
	searchTimeout = 10 * time.Second
)

// Sentinel errors returned by Store operations.
var (
	// ErrEmptyScope indicates a missing collection scope identifier.
	ErrEmptyScope = errors.New("empty collection scope")

	// ErrEmptyEmbedding indicates the embedder returned no usable vector.
	ErrEmptyEmbedding = errors.New("empty embedding")
)

// UpsertChunkParams describes one chunk write within a scope.
type UpsertChunkParams struct {
	ID        string
	Scope     string
	Text      string
	Embedding pgvector.Vector
	Metadata  map[string]string
}

// SearchScopeParams describes a similarity search within a single scope.
type SearchScopeParams struct {
	Scope          string
	QueryEmbedding pgvector.Vector
	Limit          int32
}

// ScopeHit is a raw search row before conversion to the Hit business model.
type ScopeHit struct {
	ID         string
	Text       string
	Metadata   map[string]string
	Similarity float32
	CreatedAt  time.Time
}

// Querier defines the persistence operations the Store needs. The interface
// is defined here, by the consumer, so that the Store depends on an
// abstraction rather than the concrete pgx implementation.
type Querier interface {
	// EnsureScope makes the scope addressable (idempotent).
	EnsureScope(ctx context.Context, scope string) error

	// UpsertChunk inserts or replaces a chunk within a scope.
	UpsertChunk(ctx context.Context, arg UpsertChunkParams) error

	// SearchScope returns the closest chunks within one scope, ordered by
	// descending similarity.
	SearchScope(ctx context.Context, arg SearchScopeParams) ([]ScopeHit, error)

	// DeleteScope removes a scope and every chunk in it.
	DeleteScope(ctx context.Context, scope string) error

	// CountScope counts the chunks in a scope.
	CountScope(ctx context.Context, scope string) (int64, error)
}

// Store manages scope-isolated knowledge with vector search. It is safe for
// concurrent use by multiple goroutines.
type Store struct {
	querier  Querier
	embedder ai.Embedder
	logger   *slog.Logger
}

// New creates a Store. A nil logger falls back to slog.Default().
func New(querier Querier, embedder ai.Embedder, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		querier:  querier,
		embedder: embedder,
		logger:   logger,
	}
}

// EnsureCollection makes the given scope ready for upserts and searches.
// Called when an instance enters provisioning; idempotent.
func (s *Store) EnsureCollection(ctx context.Context, scope string) error {
	if scope == "" {
		return ErrEmptyScope
	}
	if err := s.querier.EnsureScope(ctx, scope); err != nil {
		return fmt.Errorf("ensuring collection %q: %w", scope, err)
	}
	s.logger.Debug("collection ready", "scope", scope)
	return nil
}

// Upsert embeds and writes the given entries into the scope. Entries without
// an ID get a generated uuid. Returns the IDs in input order.
func (s *Store) Upsert(ctx context.Context, scope string, entries []Entry) ([]string, error) {
	if scope == "" {
		return nil, ErrEmptyScope
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		vec, err := s.embed(ctx, entry.Text)
		if err != nil {
			return nil, fmt.Errorf("embedding chunk for scope %q: %w", scope, err)
		}

		id := entry.ID
		if id == "" {
			id = uuid.NewString()
		}

		if err := s.querier.UpsertChunk(ctx, UpsertChunkParams{
			ID:        id,
			Scope:     scope,
			Text:      entry.Text,
			Embedding: vec,
			Metadata:  entry.Metadata,
		}); err != nil {
			return nil, fmt.Errorf("upserting chunk %q into scope %q: %w", id, scope, err)
		}
		ids = append(ids, id)
	}

	s.logger.Debug("upserted chunks", "scope", scope, "count", len(ids))
	return ids, nil
}

// Search embeds the query and returns the topK most similar chunks in the
// scope, in descending similarity order.
func (s *Store) Search(ctx context.Context, scope, query string, topK int) ([]Hit, error) {
	if scope == "" {
		return nil, ErrEmptyScope
	}

	switch {
	case topK <= 0:
		topK = DefaultTopK
	case topK > MaxTopK:
		s.logger.Warn("clamping topK", "scope", scope, "requested", topK, "max", MaxTopK)
		topK = MaxTopK
	}

	queryCtx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	queryVec, err := s.embed(queryCtx, query)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("query embedding timeout: %w", err)
		}
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	rows, err := s.querier.SearchScope(queryCtx, SearchScopeParams{
		Scope:          scope,
		QueryEmbedding: queryVec,
		Limit:          int32(topK),
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("search timeout: %w", err)
		}
		return nil, fmt.Errorf("searching scope %q: %w", scope, err)
	}

	hits := make([]Hit, 0, len(rows))
	for _, row := range rows {
		hits = append(hits, Hit{
			ID:        row.ID,
			Text:      row.Text,
			Score:     row.Similarity,
			Metadata:  row.Metadata,
			CreatedAt: row.CreatedAt,
		})
	}
	return hits, nil
}

// DropCollection removes the scope and all its chunks. Called when an
// instance is deleted; the scope is gone afterwards, not merely emptied.
func (s *Store) DropCollection(ctx context.Context, scope string) error {
	if scope == "" {
		return ErrEmptyScope
	}
	if err := s.querier.DeleteScope(ctx, scope); err != nil {
		return fmt.Errorf("dropping collection %q: %w", scope, err)
	}
	s.logger.Debug("collection dropped", "scope", scope)
	return nil
}

// Count returns the number of chunks stored in the scope.
func (s *Store) Count(ctx context.Context, scope string) (int, error) {
	if scope == "" {
		return 0, ErrEmptyScope
	}
	n, err := s.querier.CountScope(ctx, scope)
	if err != nil {
		return 0, fmt.Errorf("counting scope %q: %w", scope, err)
	}
	return int(n), nil
}

// embed runs one text through the embedder and validates the result.
func (s *Store) embed(ctx context.Context, text string) (pgvector.Vector, error) {
	dim := VectorDimension
	resp, err := s.embedder.Embed(ctx, &ai.EmbedRequest{
		Input: []*ai.Document{
			{Content: []*ai.Part{ai.NewTextPart(text)}},
		},
		Options: &genai.EmbedContentConfig{OutputDimensionality: &dim},
	})
	if err != nil {
		return pgvector.Vector{}, err
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return pgvector.Vector{}, ErrEmptyEmbedding
	}
	return pgvector.NewVector(resp.Embeddings[0].Embedding), nil
}
