// Package tenant defines the multi-tenant domain model: tenants with their
// trial quota state, and agent instances with their lifecycle and per-instance
// resource quotas.
//
// Records are owned by the persistence layer; this package holds the pure
// domain rules (trial-window arithmetic, status transitions, collection scope
// naming) so they can be tested without a database.
package tenant

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Plan identifies a tenant's billing plan.
type Plan string

// Known plans. Only PlanTrial carries trial-window quota semantics; paid
// plans are governed by subscription limits outside this engine.
const (
	PlanTrial      Plan = "trial"
	PlanBasic      Plan = "basic"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

// Default trial-window limits applied when a tenant is created.
const (
	DefaultTrialQueriesLimit  = 100
	DefaultTrialUploadMBLimit = 10
)

// Tenant is an organization account. All agent instances, documents and
// interactions hang off a tenant.
type Tenant struct {
	ID      uuid.UUID
	OrgName string
	Domain  string
	Plan    Plan
	Status  string

	// Trial window. Meaningful only while Plan == PlanTrial.
	TrialStart         time.Time
	TrialEnd           time.Time
	TrialQueriesUsed   int
	TrialQueriesLimit  int
	TrialUploadMBUsed  int
	TrialUploadMBLimit int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TrialActive reports whether the tenant's trial window is still open at the
// given instant. It is false for every non-trial plan: paid plans never pass
// the trial-specific check and are admitted on their subscription instead.
//
// The trial is open iff the end date has not passed and neither the query
// nor the upload allowance is exhausted.
func (t *Tenant) TrialActive(now time.Time) bool {
	if t.Plan != PlanTrial {
		return false
	}
	if !t.TrialEnd.IsZero() && now.After(t.TrialEnd) {
		return false
	}
	if t.TrialQueriesUsed >= t.TrialQueriesLimit {
		return false
	}
	if t.TrialUploadMBUsed >= t.TrialUploadMBLimit {
		return false
	}
	return true
}

// CollectionScope returns the tenant-level knowledge collection scope.
// Tenant-wide documents live here; instance-specific documents live in the
// instance's own scope (Instance.CollectionScope).
func (t *Tenant) CollectionScope() string {
	return fmt.Sprintf("tenant_%s", t.ID)
}
