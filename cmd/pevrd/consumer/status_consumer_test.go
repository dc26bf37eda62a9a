package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/pevr/common/logger"
	"github.com/lyzr/pevr/common/models"
	redisWrapper "github.com/lyzr/pevr/common/redis"
)

type event struct {
	id     uuid.UUID
	status models.ActionStatus
}

type fakeWriter struct {
	mu        sync.Mutex
	upserts   []*models.Action
	events    []event
	upsertErr error
}

func (f *fakeWriter) Upsert(_ context.Context, a *models.Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserts = append(f.upserts, a)
	return nil
}

func (f *fakeWriter) AppendEvent(_ context.Context, id uuid.UUID, status models.ActionStatus, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event{id: id, status: status})
	return nil
}

func (f *fakeWriter) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func update(t *testing.T, a *models.Action) map[string]interface{} {
	t.Helper()
	data, err := json.Marshal(a)
	require.NoError(t, err)
	return map[string]interface{}{"update": string(data)}
}

func TestHandleMessagePersistsSnapshot(t *testing.T) {
	w := &fakeWriter{}
	c := NewStatusConsumer(nil, w, "s", logger.Discard())

	a := &models.Action{ActionID: uuid.New(), ProjectID: "p", Status: models.ActionVerifying, UpdatedAt: time.Now().UTC()}
	require.NoError(t, c.handleMessage(context.Background(), redis.XMessage{ID: "1-0", Values: update(t, a)}))

	require.Len(t, w.upserts, 1)
	assert.Equal(t, a.ActionID, w.upserts[0].ActionID)
	assert.Equal(t, []event{{id: a.ActionID, status: models.ActionVerifying}}, w.events)
}

func TestHandleMessageErrors(t *testing.T) {
	c := NewStatusConsumer(nil, &fakeWriter{}, "s", logger.Discard())
	ctx := context.Background()

	tests := []struct {
		name   string
		values map[string]interface{}
	}{
		{"missing field", map[string]interface{}{"other": "x"}},
		{"bad json", map[string]interface{}{"update": "{"}},
		{"missing id", map[string]interface{}{"update": `{"status":"pending"}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.handleMessage(ctx, redis.XMessage{ID: "1-0", Values: tt.values})
			require.Error(t, err)
			assert.False(t, errors.Is(err, errRetryable))
		})
	}

	failing := NewStatusConsumer(nil, &fakeWriter{upsertErr: errors.New("db down")}, "s", logger.Discard())
	a := &models.Action{ActionID: uuid.New(), Status: models.ActionPending}
	err := failing.handleMessage(ctx, redis.XMessage{ID: "1-0", Values: update(t, a)})
	assert.ErrorIs(t, err, errRetryable)
}

func TestConsumerDrainsStream(t *testing.T) {
	addr := os.Getenv("PEVR_REDIS_ADDR")
	if addr == "" {
		t.Skip("PEVR_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })
	require.NoError(t, rdb.Ping(context.Background()).Err())

	log := logger.Discard()
	client := redisWrapper.NewClient(rdb, log)
	stream := "test.action.status." + uuid.NewString()
	t.Cleanup(func() { rdb.Del(context.Background(), stream) })

	w := &fakeWriter{}
	c := NewStatusConsumer(client, w, stream, log)
	c.block = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	a := &models.Action{ActionID: uuid.New(), Status: models.ActionCompleted, UpdatedAt: time.Now().UTC()}
	_, err := client.AddToStream(context.Background(), stream, update(t, a))
	require.NoError(t, err)
	_, err = client.AddToStream(context.Background(), stream, map[string]interface{}{"update": "garbage"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return w.eventCount() == 1 }, 5*time.Second, 20*time.Millisecond)

	// both the good and the malformed message are acknowledged
	require.Eventually(t, func() bool {
		pending, err := rdb.XPending(context.Background(), stream, c.consumerGroup).Result()
		return err == nil && pending.Count == 0
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
}
