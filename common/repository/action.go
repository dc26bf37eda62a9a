package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lyzr/pevr/common/db"
	"github.com/lyzr/pevr/common/models"
)

// ErrActionNotFound is returned when no action has the requested id
var ErrActionNotFound = errors.New("action not found")

const actionColumns = `action_id, project_id, workspace, intent, status, requires_approval, approved, approved_at,
	context, plan, execution_result, verification_result, reflection, error, phases_completed,
	created_at, started_at, completed_at, updated_at`

// ActionRepository handles database operations for actions and their status events
type ActionRepository struct {
	db *db.DB
}

// NewActionRepository creates a new action repository
func NewActionRepository(database *db.DB) *ActionRepository {
	return &ActionRepository{db: database}
}

// Upsert writes the full snapshot of an action. Older snapshots never overwrite
// newer ones: the row is only updated when updated_at moves forward.
func (r *ActionRepository) Upsert(ctx context.Context, a *models.Action) error {
	query := `
		INSERT INTO actions (` + actionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (action_id) DO UPDATE SET
			status = EXCLUDED.status,
			requires_approval = EXCLUDED.requires_approval,
			approved = EXCLUDED.approved,
			approved_at = EXCLUDED.approved_at,
			context = EXCLUDED.context,
			plan = EXCLUDED.plan,
			execution_result = EXCLUDED.execution_result,
			verification_result = EXCLUDED.verification_result,
			reflection = EXCLUDED.reflection,
			error = EXCLUDED.error,
			phases_completed = EXCLUDED.phases_completed,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			updated_at = EXCLUDED.updated_at
		WHERE actions.updated_at <= EXCLUDED.updated_at
	`

	phases := a.PhasesCompleted
	if phases == nil {
		phases = []string{}
	}
	updatedAt := a.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err := r.db.Exec(
		ctx,
		query,
		a.ActionID,
		a.ProjectID,
		a.Workspace,
		a.Intent,
		a.Status,
		a.RequiresApproval,
		a.Approved,
		a.ApprovedAt,
		a.Context,
		a.Plan,
		a.Execution,
		a.Verification,
		a.Reflection,
		a.Error,
		phases,
		a.CreatedAt,
		a.StartedAt,
		a.CompletedAt,
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert action: %w", err)
	}

	return nil
}

// GetByID retrieves an action by its ID
func (r *ActionRepository) GetByID(ctx context.Context, actionID uuid.UUID) (*models.Action, error) {
	query := `SELECT ` + actionColumns + ` FROM actions WHERE action_id = $1`

	a, err := scanAction(r.db.QueryRow(ctx, query, actionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrActionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action: %w", err)
	}

	return a, nil
}

// ListByProject retrieves the most recent actions of a project
func (r *ActionRepository) ListByProject(ctx context.Context, projectID string, limit int) ([]*models.Action, error) {
	query := `
		SELECT ` + actionColumns + `
		FROM actions
		WHERE project_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	var actions []*models.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		actions = append(actions, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating actions: %w", err)
	}

	return actions, nil
}

// AppendEvent records one status transition
func (r *ActionRepository) AppendEvent(ctx context.Context, actionID uuid.UUID, status models.ActionStatus, at time.Time) error {
	query := `
		INSERT INTO action_events (action_id, status, occurred_at)
		VALUES ($1, $2, $3)
	`

	if _, err := r.db.Exec(ctx, query, actionID, status, at); err != nil {
		return fmt.Errorf("failed to append action event: %w", err)
	}

	return nil
}

// Events lists the transitions of an action in order
func (r *ActionRepository) Events(ctx context.Context, actionID uuid.UUID) ([]models.ActionEvent, error) {
	query := `
		SELECT event_id, action_id, status, occurred_at
		FROM action_events
		WHERE action_id = $1
		ORDER BY event_id
	`

	rows, err := r.db.Query(ctx, query, actionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list action events: %w", err)
	}
	defer rows.Close()

	var events []models.ActionEvent
	for rows.Next() {
		var e models.ActionEvent
		if err := rows.Scan(&e.EventID, &e.ActionID, &e.Status, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan action event: %w", err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating action events: %w", err)
	}

	return events, nil
}

func scanAction(row pgx.Row) (*models.Action, error) {
	a := &models.Action{}
	err := row.Scan(
		&a.ActionID,
		&a.ProjectID,
		&a.Workspace,
		&a.Intent,
		&a.Status,
		&a.RequiresApproval,
		&a.Approved,
		&a.ApprovedAt,
		&a.Context,
		&a.Plan,
		&a.Execution,
		&a.Verification,
		&a.Reflection,
		&a.Error,
		&a.PhasesCompleted,
		&a.CreatedAt,
		&a.StartedAt,
		&a.CompletedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}
