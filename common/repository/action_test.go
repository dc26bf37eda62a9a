package repository

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/pevr/common/db"
	"github.com/lyzr/pevr/common/logger"
	"github.com/lyzr/pevr/common/models"
)

func testDB(t *testing.T) *db.DB {
	t.Helper()
	url := os.Getenv("PEVR_DATABASE_URL")
	if url == "" {
		t.Skip("PEVR_DATABASE_URL not set")
	}
	ctx := context.Background()
	database, err := db.Connect(ctx, url, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(database.Close)
	require.NoError(t, database.EnsureSchema(ctx))
	return database
}

func TestActionRepositoryUpsertAndEvents(t *testing.T) {
	repo := NewActionRepository(testDB(t))
	ctx := context.Background()

	created := time.Now().UTC().Truncate(time.Millisecond)
	a := &models.Action{
		ActionID:        uuid.New(),
		ProjectID:       "proj-" + uuid.NewString(),
		Workspace:       "/tmp/ws",
		Intent:          "add a helper",
		Status:          models.ActionPlanning,
		Plan:            json.RawMessage(`{"summary":"s"}`),
		PhasesCompleted: []string{},
		CreatedAt:       created,
		UpdatedAt:       created,
	}
	require.NoError(t, repo.Upsert(ctx, a))
	require.NoError(t, repo.AppendEvent(ctx, a.ActionID, a.Status, created))

	a.Status = models.ActionCompleted
	a.PhasesCompleted = []string{"planning", "executing", "verifying", "reflecting"}
	a.UpdatedAt = created.Add(time.Second)
	require.NoError(t, repo.Upsert(ctx, a))
	require.NoError(t, repo.AppendEvent(ctx, a.ActionID, a.Status, a.UpdatedAt))

	// a stale snapshot arriving late does not win
	stale := *a
	stale.Status = models.ActionExecuting
	stale.UpdatedAt = created.Add(500 * time.Millisecond)
	require.NoError(t, repo.Upsert(ctx, &stale))

	got, err := repo.GetByID(ctx, a.ActionID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionCompleted, got.Status)
	assert.Equal(t, a.PhasesCompleted, got.PhasesCompleted)
	assert.JSONEq(t, `{"summary":"s"}`, string(got.Plan))
	assert.Nil(t, got.Error)

	events, err := repo.Events(ctx, a.ActionID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.ActionPlanning, events[0].Status)
	assert.Equal(t, models.ActionCompleted, events[1].Status)

	list, err := repo.ListByProject(ctx, a.ProjectID, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = repo.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrActionNotFound)
}
