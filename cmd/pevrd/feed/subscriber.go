package feed

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Subscriber forwards project snapshots published on Redis to the hub, so
// every pevrd replica can serve every project's feed
type Subscriber struct {
	redis  *redis.Client
	hub    *Hub
	logger Logger
}

// NewSubscriber creates a new Subscriber instance
func NewSubscriber(redisClient *redis.Client, hub *Hub, logger Logger) *Subscriber {
	return &Subscriber{redis: redisClient, hub: hub, logger: logger}
}

// Start listens on every project channel until ctx is done
func (s *Subscriber) Start(ctx context.Context) error {
	pattern := ChannelPrefix + "*"
	pubsub := s.redis.PSubscribe(ctx, pattern)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to subscribe to %s: %w", pattern, err)
	}
	s.logger.Info("feed subscriber started", "pattern", pattern)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("feed subscriber stopping")
			return nil

		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			project := projectFromChannel(msg.Channel)
			if project == "" {
				s.logger.Warn("unexpected feed channel", "channel", msg.Channel)
				continue
			}
			s.hub.Publish(project, []byte(msg.Payload))
		}
	}
}
