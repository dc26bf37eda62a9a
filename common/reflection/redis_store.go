package reflection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redisWrapper "github.com/lyzr/pevr/common/redis"
)

const lessonKeyPrefix = "lessons:"

// RedisStore keeps each project's lessons as one JSON document under lessons:<project>.
// Writes go through WATCH so concurrent cycles on one project do not lose lessons.
type RedisStore struct {
	client *redisWrapper.Client
	limits Limits
	now    func() time.Time
}

// NewRedisStore creates a Redis-backed lesson store
func NewRedisStore(client *redisWrapper.Client, limits Limits) *RedisStore {
	return &RedisStore{
		client: client,
		limits: limits.withDefaults(),
		now:    time.Now,
	}
}

func lessonsKey(projectID string) string {
	return lessonKeyPrefix + projectID
}

// Load returns the stored lessons, or an empty set for an unknown project
func (s *RedisStore) Load(ctx context.Context, projectID string) (*Lessons, error) {
	raw, err := s.client.Get(ctx, lessonsKey(projectID))
	if errors.Is(err, redisWrapper.ErrNotFound) {
		return emptyLessons(), nil
	}
	if err != nil {
		return nil, err
	}
	return decodeLessons(raw)
}

// Record merges a reflection into the stored lessons
func (s *RedisStore) Record(ctx context.Context, projectID, actionID string, r *Reflection) (int, error) {
	added := 0
	err := s.client.Update(ctx, lessonsKey(projectID), 0, func(current string, exists bool) (string, error) {
		l := emptyLessons()
		if exists {
			decoded, err := decodeLessons(current)
			if err != nil {
				return "", err
			}
			l = decoded
		}
		added = merge(l, projectID, actionID, r, s.limits, s.now())
		encoded, err := json.Marshal(l)
		if err != nil {
			return "", fmt.Errorf("failed to encode lessons: %w", err)
		}
		return string(encoded), nil
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

func decodeLessons(raw string) (*Lessons, error) {
	l := emptyLessons()
	if err := json.Unmarshal([]byte(raw), l); err != nil {
		return nil, fmt.Errorf("failed to decode lessons: %w", err)
	}
	if l.Lessons == nil {
		l.Lessons = []Entry{}
	}
	if l.Patterns == nil {
		l.Patterns = []string{}
	}
	return l, nil
}
