package service

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/pevr/cmd/pevrd/feed"
	"github.com/lyzr/pevr/common/logger"
	"github.com/lyzr/pevr/common/models"
	redisWrapper "github.com/lyzr/pevr/common/redis"
	"github.com/lyzr/pevr/common/repository"
)

type fakeReader struct {
	rows map[uuid.UUID]*models.Action
}

func (f *fakeReader) GetByID(_ context.Context, id uuid.UUID) (*models.Action, error) {
	if a, ok := f.rows[id]; ok {
		return a, nil
	}
	return nil, repository.ErrActionNotFound
}

func (f *fakeReader) ListByProject(_ context.Context, projectID string, limit int) ([]*models.Action, error) {
	var out []*models.Action
	for _, a := range f.rows {
		if a.ProjectID == projectID {
			out = append(out, a)
		}
	}
	return out, nil
}

func snapshot(project string, status models.ActionStatus, created, updated time.Time) *models.Action {
	return &models.Action{
		ActionID:  uuid.New(),
		ProjectID: project,
		Status:    status,
		CreatedAt: created,
		UpdatedAt: updated,
	}
}

func TestStorePutKeepsNewest(t *testing.T) {
	store := NewActionStore(nil)
	now := time.Now()

	newer := snapshot("p", models.ActionVerifying, now, now.Add(time.Second))
	store.Put(newer)

	older := *newer
	older.Status = models.ActionPlanning
	older.UpdatedAt = now
	store.Put(&older)

	got, err := store.Get(context.Background(), newer.ActionID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionVerifying, got.Status)
}

func TestStoreFallsBackToRepository(t *testing.T) {
	now := time.Now()
	persisted := snapshot("p", models.ActionCompleted, now, now)
	store := NewActionStore(&fakeReader{rows: map[uuid.UUID]*models.Action{persisted.ActionID: persisted}})

	got, err := store.Get(context.Background(), persisted.ActionID)
	require.NoError(t, err)
	assert.Equal(t, persisted, got)

	_, err = store.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrActionNotFound)
}

func TestStoreListMergesNewestFirst(t *testing.T) {
	now := time.Now()
	old := snapshot("p", models.ActionCompleted, now.Add(-time.Hour), now.Add(-time.Hour))
	stale := snapshot("p", models.ActionPlanning, now.Add(-time.Minute), now.Add(-time.Minute))
	other := snapshot("q", models.ActionCompleted, now, now)
	store := NewActionStore(&fakeReader{rows: map[uuid.UUID]*models.Action{
		old.ActionID:   old,
		stale.ActionID: stale,
		other.ActionID: other,
	}})

	live := *stale
	live.Status = models.ActionExecuting
	live.UpdatedAt = now
	store.Put(&live)

	fresh := snapshot("p", models.ActionPending, now, now)
	store.Put(fresh)

	list, err := store.List(context.Background(), "p", 10)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, fresh.ActionID, list[0].ActionID)
	assert.Equal(t, models.ActionExecuting, list[1].Status)
	assert.Equal(t, old.ActionID, list[2].ActionID)

	limited, err := store.List(context.Background(), "p", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestStoreEvictOnlyWithRepository(t *testing.T) {
	now := time.Now()
	done := snapshot("p", models.ActionCompleted, now, now.Add(-time.Hour))
	running := snapshot("p", models.ActionExecuting, now, now.Add(-time.Hour))

	memOnly := NewActionStore(nil)
	memOnly.Put(done)
	assert.Equal(t, 0, memOnly.Evict(now))

	backed := NewActionStore(&fakeReader{rows: map[uuid.UUID]*models.Action{}})
	backed.Put(done)
	backed.Put(running)
	assert.Equal(t, 1, backed.Evict(now))

	_, err := backed.Get(context.Background(), running.ActionID)
	assert.NoError(t, err)
}

func TestStatusReporterPublishesToRedis(t *testing.T) {
	addr := os.Getenv("PEVR_REDIS_ADDR")
	if addr == "" {
		t.Skip("PEVR_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })
	require.NoError(t, rdb.Ping(ctx).Err())

	log := logger.Discard()
	store := NewActionStore(nil)
	reporter := NewStatusReporter(store, redisWrapper.NewClient(rdb, log), time.Minute, log)

	a := snapshot("p", models.ActionExecuting, time.Now().UTC(), time.Now().UTC())
	before, err := rdb.XLen(ctx, StatusStream).Result()
	require.NoError(t, err)

	sub := rdb.Subscribe(ctx, feed.Channel("p"))
	t.Cleanup(func() { sub.Close() })
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, reporter.Report(ctx, a))

	select {
	case msg := <-sub.Channel():
		assert.Contains(t, msg.Payload, a.ActionID.String())
	case <-time.After(2 * time.Second):
		t.Fatal("no feed message published")
	}

	raw, err := rdb.Get(ctx, StatusKey(a.ActionID)).Result()
	require.NoError(t, err)
	var got models.Action
	require.NoError(t, json.Unmarshal([]byte(raw), &got))
	assert.Equal(t, a.ActionID, got.ActionID)
	assert.Equal(t, models.ActionExecuting, got.Status)

	ttl, err := rdb.TTL(ctx, StatusKey(a.ActionID)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	after, err := rdb.XLen(ctx, StatusStream).Result()
	require.NoError(t, err)
	assert.Equal(t, before+1, after)

	_, err = store.Get(ctx, a.ActionID)
	assert.NoError(t, err)
	rdb.Del(ctx, StatusKey(a.ActionID))
}

type recordingNotifier struct {
	project string
	data    []byte
}

func (n *recordingNotifier) Publish(projectID string, data []byte) {
	n.project = projectID
	n.data = data
}

func TestStatusReporterNotifiesWithoutRedis(t *testing.T) {
	store := NewActionStore(nil)
	reporter := NewStatusReporter(store, nil, time.Minute, logger.Discard())
	n := &recordingNotifier{}
	reporter.SetNotifier(n)

	a := snapshot("p", models.ActionPlanning, time.Now().UTC(), time.Now().UTC())
	require.NoError(t, reporter.Report(context.Background(), a))

	assert.Equal(t, "p", n.project)
	var got models.Action
	require.NoError(t, json.Unmarshal(n.data, &got))
	assert.Equal(t, a.ActionID, got.ActionID)
	assert.Equal(t, models.ActionPlanning, got.Status)
}
