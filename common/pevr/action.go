package pevr

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/pevr/common/execution"
	"github.com/lyzr/pevr/common/models"
	"github.com/lyzr/pevr/common/planning"
	"github.com/lyzr/pevr/common/reflection"
	"github.com/lyzr/pevr/common/verification"
)

// Phase names a step of the cycle as reported in phases_completed
type Phase string

const (
	PhasePlanning   Phase = "planning"
	PhaseExecuting  Phase = "executing"
	PhaseVerifying  Phase = "verifying"
	PhaseReflecting Phase = "reflecting"
)

// Action is the live state of one change request while a cycle runs on it.
// The orchestrator only mutates the fields of the phase it is executing and
// hands snapshots to a Reporter; it never persists anything itself.
type Action struct {
	ID        uuid.UUID
	ProjectID string
	Workspace string
	Intent    string
	Profile   planning.Profile
	Session   *planning.Session

	Status           models.ActionStatus
	RequiresApproval bool
	Approved         bool
	ApprovedAt       *time.Time

	Plan         *planning.Plan
	Execution    *execution.Result
	Verification *verification.Report
	Reflection   *reflection.Reflection

	Error           string
	PhasesCompleted []Phase

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// NewAction creates a pending action
func NewAction(projectID, workspace, intent string) *Action {
	return &Action{
		ID:        uuid.New(),
		ProjectID: projectID,
		Workspace: workspace,
		Intent:    intent,
		Status:    models.ActionPending,
		CreatedAt: time.Now().UTC(),
	}
}

type actionContext struct {
	Profile planning.Profile  `json:"profile"`
	Session *planning.Session `json:"session,omitempty"`
}

// Record encodes the action into its persisted shape
func (a *Action) Record() (*models.Action, error) {
	rec := &models.Action{
		ActionID:         a.ID,
		ProjectID:        a.ProjectID,
		Workspace:        a.Workspace,
		Intent:           a.Intent,
		Status:           a.Status,
		RequiresApproval: a.RequiresApproval,
		Approved:         a.Approved,
		ApprovedAt:       a.ApprovedAt,
		PhasesCompleted:  make([]string, 0, len(a.PhasesCompleted)),
		CreatedAt:        a.CreatedAt,
		StartedAt:        a.StartedAt,
		CompletedAt:      a.CompletedAt,
		UpdatedAt:        time.Now().UTC(),
	}
	for _, p := range a.PhasesCompleted {
		rec.PhasesCompleted = append(rec.PhasesCompleted, string(p))
	}
	if a.Error != "" {
		msg := a.Error
		rec.Error = &msg
	}

	var err error
	if rec.Context, err = json.Marshal(actionContext{Profile: a.Profile, Session: a.Session}); err != nil {
		return nil, fmt.Errorf("encode context: %w", err)
	}
	if rec.Plan, err = marshalPayload(a.Plan); err != nil {
		return nil, fmt.Errorf("encode plan: %w", err)
	}
	if rec.Execution, err = marshalPayload(a.Execution); err != nil {
		return nil, fmt.Errorf("encode execution: %w", err)
	}
	if rec.Verification, err = marshalPayload(a.Verification); err != nil {
		return nil, fmt.Errorf("encode verification: %w", err)
	}
	if rec.Reflection, err = marshalPayload(a.Reflection); err != nil {
		return nil, fmt.Errorf("encode reflection: %w", err)
	}
	return rec, nil
}

// FromRecord rebuilds live state from a persisted action, e.g. to resume it after approval
func FromRecord(rec *models.Action) (*Action, error) {
	a := &Action{
		ID:               rec.ActionID,
		ProjectID:        rec.ProjectID,
		Workspace:        rec.Workspace,
		Intent:           rec.Intent,
		Status:           rec.Status,
		RequiresApproval: rec.RequiresApproval,
		Approved:         rec.Approved,
		ApprovedAt:       rec.ApprovedAt,
		CreatedAt:        rec.CreatedAt,
		StartedAt:        rec.StartedAt,
		CompletedAt:      rec.CompletedAt,
	}
	if rec.Error != nil {
		a.Error = *rec.Error
	}
	for _, p := range rec.PhasesCompleted {
		a.PhasesCompleted = append(a.PhasesCompleted, Phase(p))
	}

	if len(rec.Context) > 0 {
		var ac actionContext
		if err := json.Unmarshal(rec.Context, &ac); err != nil {
			return nil, fmt.Errorf("decode context: %w", err)
		}
		a.Profile, a.Session = ac.Profile, ac.Session
	}
	if err := unmarshalPayload(rec.Plan, &a.Plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if err := unmarshalPayload(rec.Execution, &a.Execution); err != nil {
		return nil, fmt.Errorf("decode execution: %w", err)
	}
	if err := unmarshalPayload(rec.Verification, &a.Verification); err != nil {
		return nil, fmt.Errorf("decode verification: %w", err)
	}
	if err := unmarshalPayload(rec.Reflection, &a.Reflection); err != nil {
		return nil, fmt.Errorf("decode reflection: %w", err)
	}
	return a, nil
}

func marshalPayload[T any](v *T) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalPayload[T any](raw json.RawMessage, dst **T) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	v := new(T)
	if err := json.Unmarshal(raw, v); err != nil {
		return err
	}
	*dst = v
	return nil
}

func (a *Action) completed(p Phase) {
	for _, done := range a.PhasesCompleted {
		if done == p {
			return
		}
	}
	a.PhasesCompleted = append(a.PhasesCompleted, p)
}
