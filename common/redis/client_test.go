package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/pevr/common/logger"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("PEVR_REDIS_ADDR")
	if addr == "" {
		t.Skip("PEVR_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })
	require.NoError(t, rdb.Ping(context.Background()).Err())
	return NewClient(rdb, logger.Discard())
}

func TestGetMissingKey(t *testing.T) {
	c := newTestClient(t)

	_, err := c.Get(context.Background(), "pevr:test:"+uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateReadsCurrentValue(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	key := "pevr:test:" + uuid.NewString()
	t.Cleanup(func() { _ = c.Delete(ctx, key) })

	require.NoError(t, c.Update(ctx, key, time.Minute, func(current string, exists bool) (string, error) {
		assert.False(t, exists)
		return "1", nil
	}))
	require.NoError(t, c.Update(ctx, key, time.Minute, func(current string, exists bool) (string, error) {
		assert.True(t, exists)
		return current + "2", nil
	}))

	got, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "12", got)
}

func TestClaimPendingMessages(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	stream := "pevr:test:stream:" + uuid.NewString()
	t.Cleanup(func() { _ = c.Delete(ctx, stream) })

	require.NoError(t, c.CreateStreamGroup(ctx, stream, "g"))
	require.NoError(t, c.CreateStreamGroup(ctx, stream, "g"))

	id, err := c.AddToStream(ctx, stream, map[string]interface{}{"update": "{}"})
	require.NoError(t, err)

	// read by a consumer that never acks
	streams, err := c.ReadFromStreamGroup(ctx, "g", "crashed", stream, 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, streams, 1)
	require.Len(t, streams[0].Messages, 1)

	claimed, err := c.ClaimPendingMessages(ctx, stream, "g", "survivor", time.Hour, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	time.Sleep(20 * time.Millisecond)
	claimed, err = c.ClaimPendingMessages(ctx, stream, "g", "survivor", 10*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, id, claimed[0].ID)

	require.NoError(t, c.AckStreamMessage(ctx, stream, "g", id))
	claimed, err = c.ClaimPendingMessages(ctx, stream, "g", "survivor", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}
