//go:build integration
// +build integration

package postgres_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaic0/mosaic/internal/engine"
	"github.com/mosaic0/mosaic/internal/interaction"
	"github.com/mosaic0/mosaic/internal/knowledge"
	"github.com/mosaic0/mosaic/internal/postgres"
	"github.com/mosaic0/mosaic/internal/tenant"
	"github.com/mosaic0/mosaic/internal/testutil"
)

// testVector builds a schema-width vector with one dominant component so
// cosine ordering in tests is predictable. Using knowledge.VectorDimension
// keeps these writes honest against the vector column width the embedder is
// asked to truncate to.
func testVector(hot int) pgvector.Vector {
	v := make([]float32, knowledge.VectorDimension)
	for i := range v {
		v[i] = 0.01
	}
	v[hot] = 1
	return pgvector.NewVector(v)
}

func seedTenant(t *testing.T, dir *postgres.Directory, domain string) *tenant.Tenant {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	tn := &tenant.Tenant{
		ID:                 uuid.New(),
		OrgName:            "Test Org",
		Domain:             domain,
		Plan:               tenant.PlanTrial,
		Status:             "active",
		TrialStart:         now,
		TrialEnd:           now.Add(14 * 24 * time.Hour),
		TrialQueriesLimit:  tenant.DefaultTrialQueriesLimit,
		TrialUploadMBLimit: tenant.DefaultTrialUploadMBLimit,
	}
	require.NoError(t, dir.CreateTenant(context.Background(), tn))
	return tn
}

func seedInstance(t *testing.T, dir *postgres.Directory, tenantID uuid.UUID) *tenant.Instance {
	t.Helper()
	temp := float32(0.7)
	inst := &tenant.Instance{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Name:      "assistant",
		Archetype: "hr-assistant",
		Status:    tenant.StatusProvisioning,
		Quota:     tenant.TrialQuota,
		Overrides: tenant.Overrides{
			Model:       "gemini-2.5-flash",
			Temperature: &temp,
			Extras:      map[string]any{"max_output_tokens": float64(1024)},
		},
	}
	require.NoError(t, dir.CreateInstance(context.Background(), inst))
	return inst
}

func TestDirectoryRoundTrip(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	dir := postgres.NewDirectory(db.Pool)

	tn := seedTenant(t, dir, "roundtrip.example")

	got, err := dir.Tenant(ctx, tn.ID)
	require.NoError(t, err)
	assert.Equal(t, tn.OrgName, got.OrgName)
	assert.Equal(t, tenant.PlanTrial, got.Plan)
	assert.WithinDuration(t, tn.TrialEnd, got.TrialEnd, time.Second)
	assert.True(t, got.TrialActive(time.Now()))

	byDomain, err := dir.TenantByDomain(ctx, "roundtrip.example")
	require.NoError(t, err)
	assert.Equal(t, tn.ID, byDomain.ID)

	_, err = dir.Tenant(ctx, uuid.New())
	assert.ErrorIs(t, err, engine.ErrTenantNotFound)

	inst := seedInstance(t, dir, tn.ID)
	gotInst, err := dir.Instance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusProvisioning, gotInst.Status)
	assert.Equal(t, tenant.TrialQuota, gotInst.Quota)
	assert.Equal(t, "gemini-2.5-flash", gotInst.Overrides.Model)
	require.NotNil(t, gotInst.Overrides.Temperature)
	assert.InDelta(t, 0.7, float64(*gotInst.Overrides.Temperature), 0.001)
	assert.Equal(t, float64(1024), gotInst.Overrides.Extras["max_output_tokens"])

	_, err = dir.Instance(ctx, uuid.New())
	assert.ErrorIs(t, err, engine.ErrInstanceNotFound)
}

func TestDirectoryStatusTransitions(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	dir := postgres.NewDirectory(db.Pool)

	tn := seedTenant(t, dir, "status.example")
	inst := seedInstance(t, dir, tn.ID)

	require.NoError(t, dir.SetInstanceStatus(ctx, inst.ID, tenant.StatusActive))
	got, err := dir.Instance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusActive, got.Status)
	assert.False(t, got.ProvisionedAt.IsZero(), "activation should stamp provisioned_at")

	stamped := got.ProvisionedAt
	require.NoError(t, dir.SetInstanceStatus(ctx, inst.ID, tenant.StatusSuspended))
	require.NoError(t, dir.SetInstanceStatus(ctx, inst.ID, tenant.StatusActive))
	got, err = dir.Instance(ctx, inst.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, stamped, got.ProvisionedAt, time.Second,
		"provisioned_at stamped only once")

	// Deleted instances drop out of listings.
	second := seedInstance(t, dir, tn.ID)
	require.NoError(t, dir.SetInstanceStatus(ctx, second.ID, tenant.StatusDeleted))
	list, err := dir.InstancesByTenant(ctx, tn.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, inst.ID, list[0].ID)

	assert.ErrorIs(t,
		dir.SetInstanceStatus(ctx, uuid.New(), tenant.StatusActive),
		engine.ErrInstanceNotFound)
}

func TestUsageStoreAtomicIncrements(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	dir := postgres.NewDirectory(db.Pool)
	usage := postgres.NewUsageStore(db.Pool)

	tn := seedTenant(t, dir, "usage.example")
	inst := seedInstance(t, dir, tn.ID)

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, usage.IncrementInstanceUsage(ctx, inst.ID, 10, time.Now()))
			assert.NoError(t, usage.IncrementTenantTrialQueries(ctx, tn.ID))
		}()
	}
	wg.Wait()

	gotInst, err := dir.Instance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, workers, gotInst.QueriesCount)
	assert.Equal(t, int64(workers*10), gotInst.TokensUsed)
	assert.False(t, gotInst.LastUsedAt.IsZero())

	gotTenant, err := dir.Tenant(ctx, tn.ID)
	require.NoError(t, err)
	assert.Equal(t, workers, gotTenant.TrialQueriesUsed)

	assert.ErrorIs(t,
		usage.IncrementInstanceUsage(ctx, uuid.New(), 1, time.Now()),
		engine.ErrInstanceNotFound)
}

func TestKnowledgeQuerierScopeIsolation(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	q := postgres.NewKnowledgeQuerier(db.Pool)

	const (
		scopeA = "tenant_a_agent_1"
		scopeB = "tenant_a_agent_2"
	)
	require.NoError(t, q.EnsureScope(ctx, scopeA))
	require.NoError(t, q.EnsureScope(ctx, scopeA)) // idempotent
	require.NoError(t, q.EnsureScope(ctx, scopeB))

	require.NoError(t, q.UpsertChunk(ctx, knowledge.UpsertChunkParams{
		ID: uuid.NewString(), Scope: scopeA, Text: "PTO policy",
		Embedding: testVector(1), Metadata: map[string]string{"doc": "hr.pdf"},
	}))
	require.NoError(t, q.UpsertChunk(ctx, knowledge.UpsertChunkParams{
		ID: uuid.NewString(), Scope: scopeA, Text: "Remote work policy",
		Embedding: testVector(2),
	}))
	require.NoError(t, q.UpsertChunk(ctx, knowledge.UpsertChunkParams{
		ID: uuid.NewString(), Scope: scopeB, Text: "Other agent's secret",
		Embedding: testVector(1),
	}))

	hits, err := q.SearchScope(ctx, knowledge.SearchScopeParams{
		Scope: scopeA, QueryEmbedding: testVector(1), Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "PTO policy", hits[0].Text)
	assert.Equal(t, map[string]string{"doc": "hr.pdf"}, hits[0].Metadata)
	assert.Greater(t, hits[0].Similarity, hits[1].Similarity)
	for _, h := range hits {
		assert.NotEqual(t, "Other agent's secret", h.Text)
	}

	n, err := q.CountScope(ctx, scopeA)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	require.NoError(t, q.DeleteScope(ctx, scopeA))
	n, err = q.CountScope(ctx, scopeA)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	// The sibling scope is untouched.
	n, err = q.CountScope(ctx, scopeB)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestRecorderRoundTrip(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	dir := postgres.NewDirectory(db.Pool)
	rec := postgres.NewRecorder(db.Pool)

	tn := seedTenant(t, dir, "recorder.example")
	inst := seedInstance(t, dir, tn.ID)

	first := &interaction.Interaction{
		ID:             uuid.New(),
		TenantID:       tn.ID,
		InstanceID:     inst.ID,
		UserID:         "user-1",
		Prompt:         "How many PTO days?",
		Response:       "Twenty.",
		Model:          "gemini-2.5-flash",
		TokensIn:       12,
		TokensOut:      3,
		ResponseTimeMs: 840,
		ContextChunks:  2,
		Status:         interaction.StatusCompleted,
		CreatedAt:      time.Now().Add(-time.Minute),
	}
	require.NoError(t, rec.Record(ctx, first))

	second := &interaction.Interaction{
		ID:           uuid.New(),
		TenantID:     tn.ID,
		InstanceID:   inst.ID,
		Prompt:       "Broken one",
		Status:       interaction.StatusFailed,
		ErrorMessage: "generation failed: provider unavailable",
		CreatedAt:    time.Now(),
	}
	require.NoError(t, rec.Record(ctx, second))

	recent, err := rec.RecentByInstance(ctx, inst.ID, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, second.ID, recent[0].ID, "newest first")
	assert.Equal(t, interaction.StatusFailed, recent[0].Status)
	assert.Equal(t, first.ID, recent[1].ID)
	assert.Equal(t, 15, recent[1].TokensTotal())
}
