package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Agent run status enums. completed, failed and cancelled are terminal:
// a run never leaves them once reached.
const (
	RunStatusQueued    = "queued"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// RunStatusTerminal reports whether status is one of the terminal states.
func RunStatusTerminal(status string) bool {
	switch status {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// AgentRun is created at submission and mutated only by the lifecycle
// manager. Rows are never deleted; they are the billing history.
type AgentRun struct {
	ID              uuid.UUID       `json:"id"`
	UserID          uuid.UUID       `json:"user_id"`
	AgentKind       string          `json:"agent_kind"`
	Params          json.RawMessage `json:"params"`
	Status          string          `json:"status"`
	CreditsReserved int64           `json:"credits_reserved"`
	CreditsActual   *int64          `json:"credits_actual,omitempty"`
	Output          json.RawMessage `json:"output,omitempty"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}
