package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ActionStatus is the lifecycle state of a change request
type ActionStatus string

const (
	ActionPending    ActionStatus = "pending"
	ActionPlanning   ActionStatus = "planning"
	ActionExecuting  ActionStatus = "executing"
	ActionVerifying  ActionStatus = "verifying"
	ActionReflecting ActionStatus = "reflecting"
	ActionCompleted  ActionStatus = "completed"
	ActionFailed     ActionStatus = "failed"
	ActionRolledBack ActionStatus = "rolled_back"
	ActionCancelled  ActionStatus = "cancelled"
)

// Terminal reports whether no further phase can run from s
func (s ActionStatus) Terminal() bool {
	switch s {
	case ActionCompleted, ActionFailed, ActionRolledBack, ActionCancelled:
		return true
	}
	return false
}

// Action is the persisted snapshot of one PEVR cycle.
// Maps to: actions table
//
// Phase payloads are stored as opaque JSON blobs; the engines own their shape.
type Action struct {
	ActionID  uuid.UUID `db:"action_id" json:"action_id"`
	ProjectID string    `db:"project_id" json:"project_id"`
	Workspace string    `db:"workspace" json:"workspace"`
	Intent    string    `db:"intent" json:"intent"`

	Status           ActionStatus `db:"status" json:"status"`
	RequiresApproval bool         `db:"requires_approval" json:"requires_approval"`
	Approved         bool         `db:"approved" json:"approved"`
	ApprovedAt       *time.Time   `db:"approved_at" json:"approved_at,omitempty"`

	// Request context (project profile, session) needed to resume a paused cycle
	Context json.RawMessage `db:"context" json:"context,omitempty"`

	Plan         json.RawMessage `db:"plan" json:"plan,omitempty"`
	Execution    json.RawMessage `db:"execution_result" json:"execution,omitempty"`
	Verification json.RawMessage `db:"verification_result" json:"verification,omitempty"`
	Reflection   json.RawMessage `db:"reflection" json:"reflection,omitempty"`

	Error           *string  `db:"error" json:"error,omitempty"`
	PhasesCompleted []string `db:"phases_completed" json:"phases_completed"`

	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// ActionEvent is one status transition of an action.
// Maps to: action_events table
type ActionEvent struct {
	EventID    int64        `db:"event_id" json:"event_id"`
	ActionID   uuid.UUID    `db:"action_id" json:"action_id"`
	Status     ActionStatus `db:"status" json:"status"`
	OccurredAt time.Time    `db:"occurred_at" json:"occurred_at"`
}
