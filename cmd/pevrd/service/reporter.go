package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/pevr/cmd/pevrd/feed"
	"github.com/lyzr/pevr/common/models"
	redisWrapper "github.com/lyzr/pevr/common/redis"
)

const (
	// StatusStream carries every action snapshot for the persistence consumer
	StatusStream = "action.status.updates"

	statusKeyPrefix = "action:status:"
)

// StatusKey is the Redis key holding an action's latest snapshot
func StatusKey(id uuid.UUID) string {
	return statusKeyPrefix + id.String()
}

// Notifier receives encoded snapshots for live feeds
type Notifier interface {
	Publish(projectID string, data []byte)
}

// StatusReporter publishes snapshots to the local store and, when Redis is
// configured, to the status key, the stream and the project feed channel in
// a single round trip. Without Redis the notifier gets snapshots directly.
type StatusReporter struct {
	store    *ActionStore
	redis    *redisWrapper.Client
	notifier Notifier
	ttl      time.Duration
	logger   Logger
}

// NewStatusReporter creates a reporter. redis may be nil.
func NewStatusReporter(store *ActionStore, redis *redisWrapper.Client, ttl time.Duration, logger Logger) *StatusReporter {
	return &StatusReporter{store: store, redis: redis, ttl: ttl, logger: logger}
}

// SetNotifier registers the in-process feed; it is only used without Redis
func (r *StatusReporter) SetNotifier(n Notifier) {
	r.notifier = n
}

// Report implements pevr.Reporter
func (r *StatusReporter) Report(ctx context.Context, a *models.Action) error {
	r.store.Put(a)

	if r.redis == nil && r.notifier == nil {
		return nil
	}

	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode status update: %w", err)
	}

	if r.redis == nil {
		r.notifier.Publish(a.ProjectID, data)
		return nil
	}

	pipe := r.redis.NewPipeline()
	pipe.SetWithExpiry(ctx, StatusKey(a.ActionID), string(data), r.ttl)
	pipe.AddToStream(ctx, StatusStream, map[string]interface{}{
		"update": string(data),
	})
	pipe.Publish(ctx, feed.Channel(a.ProjectID), string(data))
	if err := pipe.Exec(ctx); err != nil {
		return err
	}

	r.logger.Debug("published status update", "action_id", a.ActionID.String(), "status", string(a.Status))
	return nil
}
