package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lyzr/pevr/common/models"
	redisWrapper "github.com/lyzr/pevr/common/redis"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// ActionWriter persists snapshots and their transitions
type ActionWriter interface {
	Upsert(ctx context.Context, a *models.Action) error
	AppendEvent(ctx context.Context, actionID uuid.UUID, status models.ActionStatus, at time.Time) error
}

// StatusConsumer drains action snapshots from the status stream into Postgres
type StatusConsumer struct {
	redis         *redisWrapper.Client
	repo          ActionWriter
	logger        Logger
	stream        string
	consumerGroup string
	consumerName  string
	block         time.Duration
	backoff       time.Duration
	reclaimIdle   time.Duration
}

// NewStatusConsumer creates a new status consumer
func NewStatusConsumer(redis *redisWrapper.Client, repo ActionWriter, stream string, logger Logger) *StatusConsumer {
	return &StatusConsumer{
		redis:         redis,
		repo:          repo,
		logger:        logger,
		stream:        stream,
		consumerGroup: "action_persisters",
		consumerName:  fmt.Sprintf("action_persister_%s", uuid.NewString()[:8]),
		block:         5 * time.Second,
		backoff:       time.Second,
		reclaimIdle:   30 * time.Second,
	}
}

// Start begins consuming status updates until ctx is cancelled
func (c *StatusConsumer) Start(ctx context.Context) error {
	c.logger.Info("starting status consumer",
		"stream", c.stream,
		"consumer_group", c.consumerGroup,
		"consumer_name", c.consumerName)

	if err := c.redis.CreateStreamGroup(ctx, c.stream, c.consumerGroup); err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("status consumer stopping")
			return nil
		default:
			if err := c.processNext(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.logger.Error("failed to process messages", "error", err)
				select {
				case <-ctx.Done():
				case <-time.After(c.backoff):
				}
			}
		}
	}
}

// processNext retries stale pending messages, then reads one new batch
func (c *StatusConsumer) processNext(ctx context.Context) error {
	stale, err := c.redis.ClaimPendingMessages(ctx, c.stream, c.consumerGroup, c.consumerName, c.reclaimIdle, 10)
	if err != nil {
		return err
	}
	c.handleBatch(ctx, stale)

	streams, err := c.redis.ReadFromStreamGroup(ctx, c.consumerGroup, c.consumerName, c.stream, 10, c.block)
	if err != nil {
		return err
	}
	for _, stream := range streams {
		c.handleBatch(ctx, stream.Messages)
	}

	return nil
}

func (c *StatusConsumer) handleBatch(ctx context.Context, messages []redis.XMessage) {
	for _, message := range messages {
		if err := c.handleMessage(ctx, message); err != nil {
			c.logger.Error("failed to handle message", "message_id", message.ID, "error", err)
			if errors.Is(err, errRetryable) {
				// stays pending until reclaimed
				continue
			}
		}

		if err := c.redis.AckStreamMessage(ctx, c.stream, c.consumerGroup, message.ID); err != nil {
			c.logger.Error("failed to ACK message", "message_id", message.ID, "error", err)
		}
	}
}

var errRetryable = errors.New("retryable")

// handleMessage persists one snapshot. Malformed messages are acknowledged and
// dropped; database failures are not.
func (c *StatusConsumer) handleMessage(ctx context.Context, message redis.XMessage) error {
	updateJSON, ok := message.Values["update"].(string)
	if !ok {
		return fmt.Errorf("message missing update field")
	}

	var a models.Action
	if err := json.Unmarshal([]byte(updateJSON), &a); err != nil {
		return fmt.Errorf("failed to unmarshal status update: %w", err)
	}
	if a.ActionID == uuid.Nil {
		return fmt.Errorf("status update missing action_id")
	}

	if err := c.repo.Upsert(ctx, &a); err != nil {
		return fmt.Errorf("%w: %v", errRetryable, err)
	}

	at := a.UpdatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if err := c.repo.AppendEvent(ctx, a.ActionID, a.Status, at); err != nil {
		return fmt.Errorf("%w: %v", errRetryable, err)
	}

	c.logger.Debug("persisted action snapshot",
		"action_id", a.ActionID.String(),
		"status", string(a.Status))

	return nil
}
