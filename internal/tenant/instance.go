package tenant

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an agent instance.
type Status string

// Lifecycle states. StatusDeleted is terminal; only StatusActive instances
// are eligible for query admission.
const (
	StatusProvisioning Status = "provisioning"
	StatusActive       Status = "active"
	StatusSuspended    Status = "suspended"
	StatusDeleted      Status = "deleted"
)

// ErrInvalidTransition indicates a disallowed instance status change.
var ErrInvalidTransition = errors.New("invalid instance status transition")

// transitions is the legal state machine:
// provisioning → active, active ⇄ suspended, and any live state → deleted.
var transitions = map[Status][]Status{
	StatusProvisioning: {StatusActive, StatusDeleted},
	StatusActive:       {StatusSuspended, StatusDeleted},
	StatusSuspended:    {StatusActive, StatusDeleted},
	StatusDeleted:      {},
}

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// ResourceQuota caps a single agent instance, independently of the tenant's
// trial quota. Both layers are checked at admission.
type ResourceQuota struct {
	MaxQueries   int
	MaxStorageMB int
	Timeout      time.Duration
}

// TrialQuota is the resource quota assigned to instances created through the
// trial flow.
var TrialQuota = ResourceQuota{
	MaxQueries:   50,
	MaxStorageMB: 100,
	Timeout:      30 * time.Second,
}

// Overrides are the instance-level configuration overrides applied on top of
// the archetype defaults at resolve time. Zero values (nil pointers, empty
// strings) mean "inherit from the archetype".
type Overrides struct {
	Model        string
	Temperature  *float32
	TopK         *int
	SystemPrompt string

	// Extras is a deliberately opaque passthrough bag for adapter-specific
	// settings. It is deep-merged over the archetype's extras.
	Extras map[string]any
}

// Instance is a tenant-scoped agent provisioned from an archetype. It owns
// exactly one ResourceQuota and one knowledge collection scope, both created
// when provisioning starts and released on deletion.
type Instance struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	Name      string
	Archetype string

	Status    Status
	Quota     ResourceQuota
	Overrides Overrides

	// Usage counters. Mutated only through the quota guard's commit path;
	// monotonically non-decreasing until the instance is deleted.
	QueriesCount int
	TokensUsed   int64
	LastUsedAt   time.Time

	ProvisionedAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CollectionScope returns the instance's isolated knowledge collection scope.
// Every instance has its own scope; sharing one across instances or tenants
// would break the isolation contract.
func (i *Instance) CollectionScope() string {
	return fmt.Sprintf("tenant_%s_agent_%s", i.TenantID, i.ID)
}

// QuotaExhausted reports whether the instance has used up its query allowance.
func (i *Instance) QuotaExhausted() bool {
	return i.Quota.MaxQueries > 0 && i.QueriesCount >= i.Quota.MaxQueries
}
