package ratelimit

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

//go:embed rate_limit.lua
var rateLimitScript string

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed      bool          // Whether the request is allowed
	CurrentCount int64         // Current count in the window
	Limit        int64         // The limit that was checked
	RetryAfter   time.Duration // Time until a slot frees up (0 if allowed)
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds
func (r *RateLimitResult) RetryAfterSeconds() int64 {
	if r.RetryAfter <= 0 {
		return 0
	}
	secs := int64(r.RetryAfter / time.Second)
	if r.RetryAfter%time.Second != 0 {
		secs++
	}
	return secs
}

// Limiter admits or rejects a request for key. It never blocks waiting for capacity.
type Limiter interface {
	Allow(ctx context.Context, key string) (*RateLimitResult, error)
}

// RateLimiter is a sliding window limiter shared across processes through Redis + Lua
type RateLimiter struct {
	redis  *redis.Client
	script *redis.Script
	cfg    WindowConfig
	prefix string
	logger Logger
	now    func() time.Time
}

// NewRateLimiter creates a new rate limiter with embedded Lua script
func NewRateLimiter(redisClient *redis.Client, cfg WindowConfig, logger Logger) *RateLimiter {
	return &RateLimiter{
		redis:  redisClient,
		script: redis.NewScript(rateLimitScript),
		cfg:    cfg,
		prefix: "rate_limit",
		logger: logger,
		now:    time.Now,
	}
}

// Allow records a request against key if the window has room
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.checkLimit(ctx, fmt.Sprintf("%s:%s", r.prefix, key), r.cfg.Limit, r.cfg.Window)
}

// checkLimit executes the rate limit Lua script
func (r *RateLimiter) checkLimit(ctx context.Context, key string, limit int64, window time.Duration) (*RateLimitResult, error) {
	nowMs := r.now().UnixMilli()
	member := fmt.Sprintf("%d-%s", nowMs, uuid.NewString()[:8])

	result, err := r.script.Run(ctx, r.redis, []string{key}, limit, window.Milliseconds(), nowMs, member).Result()
	if err != nil {
		r.logger.Error("rate limit check failed", "key", key, "error", err)
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	// {allowed, current_count, limit, retry_after_ms}
	resultArray, ok := result.([]interface{})
	if !ok || len(resultArray) != 4 {
		return nil, fmt.Errorf("unexpected script result format")
	}

	values := make([]int64, 4)
	for i, v := range resultArray {
		n, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("unexpected script result element %d: %T", i, v)
		}
		values[i] = n
	}

	rateLimitResult := &RateLimitResult{
		Allowed:      values[0] == 1,
		CurrentCount: values[1],
		Limit:        values[2],
		RetryAfter:   time.Duration(values[3]) * time.Millisecond,
	}

	if !rateLimitResult.Allowed {
		r.logger.Warn("rate limit exceeded",
			"key", key,
			"current", rateLimitResult.CurrentCount,
			"limit", limit,
			"retry_after", rateLimitResult.RetryAfter)
	} else {
		r.logger.Debug("rate limit check passed",
			"key", key,
			"current", rateLimitResult.CurrentCount,
			"limit", limit)
	}

	return rateLimitResult, nil
}

// GetCurrentCount returns the number of requests in the current window without recording one
func (r *RateLimiter) GetCurrentCount(ctx context.Context, key string) (int64, error) {
	fullKey := fmt.Sprintf("%s:%s", r.prefix, key)
	minScore := fmt.Sprintf("%d", r.now().Add(-r.cfg.Window).UnixMilli())
	count, err := r.redis.ZCount(ctx, fullKey, minScore, "+inf").Result()
	if err == redis.Nil {
		return 0, nil
	}
	return count, err
}

// ResetLimit clears a rate limit window (for testing/admin)
func (r *RateLimiter) ResetLimit(ctx context.Context, key string) error {
	return r.redis.Del(ctx, fmt.Sprintf("%s:%s", r.prefix, key)).Err()
}
