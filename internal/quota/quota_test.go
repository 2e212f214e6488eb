package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mosaic0/mosaic/internal/log"
	"github.com/mosaic0/mosaic/internal/tenant"
)

// memStore is a deliberately non-atomic UsageStore: it performs plain
// read-modify-write so lost updates would surface if the guard's per-entity
// locking were broken.
type memStore struct {
	mu             sync.RWMutex // protects map access only, not the increments
	instanceCount  map[uuid.UUID]int
	instanceTokens map[uuid.UUID]int64
	lastUsed       map[uuid.UUID]time.Time
	trialUsed      map[uuid.UUID]int
}

func newMemStore() *memStore {
	return &memStore{
		instanceCount:  make(map[uuid.UUID]int),
		instanceTokens: make(map[uuid.UUID]int64),
		lastUsed:       make(map[uuid.UUID]time.Time),
		trialUsed:      make(map[uuid.UUID]int),
	}
}

func (m *memStore) IncrementInstanceUsage(_ context.Context, id uuid.UUID, tokens int64, usedAt time.Time) error {
	m.mu.RLock()
	count := m.instanceCount[id]
	tok := m.instanceTokens[id]
	m.mu.RUnlock()

	m.mu.Lock()
	m.instanceCount[id] = count + 1
	m.instanceTokens[id] = tok + tokens
	m.lastUsed[id] = usedAt
	m.mu.Unlock()
	return nil
}

func (m *memStore) IncrementTenantTrialQueries(_ context.Context, id uuid.UUID) error {
	m.mu.RLock()
	used := m.trialUsed[id]
	m.mu.RUnlock()

	m.mu.Lock()
	m.trialUsed[id] = used + 1
	m.mu.Unlock()
	return nil
}

func activeTrialPair() (*tenant.Tenant, *tenant.Instance) {
	t := &tenant.Tenant{
		ID:                 uuid.New(),
		Plan:               tenant.PlanTrial,
		TrialEnd:           time.Now().Add(7 * 24 * time.Hour),
		TrialQueriesLimit:  tenant.DefaultTrialQueriesLimit,
		TrialUploadMBLimit: tenant.DefaultTrialUploadMBLimit,
	}
	inst := &tenant.Instance{
		ID:       uuid.New(),
		TenantID: t.ID,
		Status:   tenant.StatusActive,
		Quota:    tenant.TrialQuota,
	}
	return t, inst
}

func TestAdmit_Allow(t *testing.T) {
	g := New(newMemStore(), log.NewNop())
	tn, inst := activeTrialPair()

	if d := g.Admit(tn, inst); !d.Allowed {
		t.Errorf("Admit() denied healthy pair with reason %q", d.Reason)
	}
}

func TestAdmit_DenyReasons(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*tenant.Tenant, *tenant.Instance)
		want   DenyReason
	}{
		{
			name:   "suspended instance",
			mutate: func(_ *tenant.Tenant, i *tenant.Instance) { i.Status = tenant.StatusSuspended },
			want:   DenyInstanceInactive,
		},
		{
			name:   "provisioning instance",
			mutate: func(_ *tenant.Tenant, i *tenant.Instance) { i.Status = tenant.StatusProvisioning },
			want:   DenyInstanceInactive,
		},
		{
			name:   "trial window closed",
			mutate: func(tn *tenant.Tenant, _ *tenant.Instance) { tn.TrialEnd = time.Now().Add(-time.Hour) },
			want:   DenyTrialExpired,
		},
		{
			name: "trial expired regardless of remaining queries",
			mutate: func(tn *tenant.Tenant, _ *tenant.Instance) {
				tn.TrialEnd = time.Now().Add(-time.Hour)
				tn.TrialQueriesUsed = 0
			},
			want: DenyTrialExpired,
		},
		{
			name: "instance query quota exhausted",
			mutate: func(_ *tenant.Tenant, i *tenant.Instance) {
				i.QueriesCount = i.Quota.MaxQueries
			},
			want: DenyInstanceQuotaExhausted,
		},
		{
			name: "inactive instance wins over expired trial",
			mutate: func(tn *tenant.Tenant, i *tenant.Instance) {
				i.Status = tenant.StatusSuspended
				tn.TrialEnd = time.Now().Add(-time.Hour)
			},
			want: DenyInstanceInactive,
		},
		{
			name: "expired trial wins over exhausted instance quota",
			mutate: func(tn *tenant.Tenant, i *tenant.Instance) {
				tn.TrialEnd = time.Now().Add(-time.Hour)
				i.QueriesCount = i.Quota.MaxQueries
			},
			want: DenyTrialExpired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(newMemStore(), log.NewNop())
			tn, inst := activeTrialPair()
			tt.mutate(tn, inst)

			d := g.Admit(tn, inst)
			if d.Allowed {
				t.Fatal("Admit() allowed, want denial")
			}
			if d.Reason != tt.want {
				t.Errorf("Reason = %q, want %q", d.Reason, tt.want)
			}
		})
	}
}

func TestAdmit_PaidPlanSkipsTrialCheck(t *testing.T) {
	g := New(newMemStore(), log.NewNop())
	tn, inst := activeTrialPair()
	tn.Plan = tenant.PlanPro
	tn.TrialEnd = time.Now().Add(-30 * 24 * time.Hour) // long expired, irrelevant

	if d := g.Admit(tn, inst); !d.Allowed {
		t.Errorf("paid tenant denied with reason %q", d.Reason)
	}
}

func TestAdmit_FiftyOfFiftyIsExhausted(t *testing.T) {
	g := New(newMemStore(), log.NewNop())
	tn, inst := activeTrialPair()
	inst.Quota.MaxQueries = 50

	inst.QueriesCount = 49
	if d := g.Admit(tn, inst); !d.Allowed {
		t.Errorf("50th query denied: %q", d.Reason)
	}

	inst.QueriesCount = 50
	d := g.Admit(tn, inst)
	if d.Allowed || d.Reason != DenyInstanceQuotaExhausted {
		t.Errorf("51st admission = %+v, want deny %q", d, DenyInstanceQuotaExhausted)
	}
}

func TestCommit_ChargesSuccessAndFailure(t *testing.T) {
	store := newMemStore()
	g := New(store, log.NewNop())
	tn, inst := activeTrialPair()
	ctx := context.Background()

	if err := g.Commit(ctx, tn, inst, Outcome{Success: true, TokensUsed: 120}); err != nil {
		t.Fatalf("Commit(success) error = %v", err)
	}
	if err := g.Commit(ctx, tn, inst, Outcome{Success: false, TokensUsed: 55}); err != nil {
		t.Fatalf("Commit(failure) error = %v", err)
	}
	if err := g.Commit(ctx, tn, inst, Outcome{Success: false, TimedOut: true}); err != nil {
		t.Fatalf("Commit(timeout) error = %v", err)
	}

	if got := store.instanceCount[inst.ID]; got != 3 {
		t.Errorf("instance queries = %d, want 3 (failures charged)", got)
	}
	// Failed executions charge a query but zero tokens.
	if got := store.instanceTokens[inst.ID]; got != 120 {
		t.Errorf("instance tokens = %d, want 120", got)
	}
	if got := store.trialUsed[tn.ID]; got != 3 {
		t.Errorf("tenant trial queries = %d, want 3 (failures charged)", got)
	}
	if store.lastUsed[inst.ID].IsZero() {
		t.Error("lastUsedAt not stamped")
	}
}

func TestCommit_NonTrialTenantNotCharged(t *testing.T) {
	store := newMemStore()
	g := New(store, log.NewNop())
	tn, inst := activeTrialPair()
	tn.Plan = tenant.PlanEnterprise

	if err := g.Commit(context.Background(), tn, inst, Outcome{Success: true, TokensUsed: 10}); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	if got := store.trialUsed[tn.ID]; got != 0 {
		t.Errorf("paid tenant trial counter = %d, want 0", got)
	}
	if got := store.instanceCount[inst.ID]; got != 1 {
		t.Errorf("instance queries = %d, want 1", got)
	}
}

func TestCommit_ConcurrentSameInstanceNoLostUpdates(t *testing.T) {
	store := newMemStore()
	g := New(store, log.NewNop())
	tn, inst := activeTrialPair()

	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)
	for range n {
		go func() {
			defer wg.Done()
			_ = g.Commit(context.Background(), tn, inst, Outcome{Success: true, TokensUsed: 1})
		}()
	}
	wg.Wait()

	if got := store.instanceCount[inst.ID]; got != n {
		t.Errorf("instance queries = %d, want %d (lost updates)", got, n)
	}
	if got := store.instanceTokens[inst.ID]; got != n {
		t.Errorf("instance tokens = %d, want %d", got, n)
	}
	if got := store.trialUsed[tn.ID]; got != n {
		t.Errorf("tenant trial queries = %d, want %d", got, n)
	}
}
