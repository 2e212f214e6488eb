// Package interaction defines the execution history record persisted after
// every admitted query, successful or not.
package interaction

import (
	"time"

	"github.com/google/uuid"
)

// Status classifies how an execution finished.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

// Interaction is a single query execution against an agent instance.
type Interaction struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	InstanceID     uuid.UUID
	UserID         string
	Prompt         string
	Response       string
	Model          string
	TokensIn       int
	TokensOut      int
	ResponseTimeMs int64
	ContextChunks  int
	Status         Status
	ErrorMessage   string
	CreatedAt      time.Time
}

// TokensTotal is the combined prompt and completion token count.
func (i *Interaction) TokensTotal() int {
	return i.TokensIn + i.TokensOut
}
