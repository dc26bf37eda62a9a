package ratelimit

import (
	"context"
	"sync"
	"time"
)

// SlidingWindow is an in-process sliding window limiter keyed by caller-chosen keys.
// Timestamps of admitted requests are kept per key and pruned on every call.
type SlidingWindow struct {
	mu   sync.Mutex
	cfg  WindowConfig
	hits map[string][]time.Time
	now  func() time.Time
}

// NewSlidingWindow creates an in-memory limiter
func NewSlidingWindow(cfg WindowConfig) *SlidingWindow {
	return &SlidingWindow{
		cfg:  cfg,
		hits: make(map[string][]time.Time),
		now:  time.Now,
	}
}

// WithClock overrides the time source
func (w *SlidingWindow) WithClock(now func() time.Time) *SlidingWindow {
	w.now = now
	return w
}

// Allow records a request against key if the window has room
func (w *SlidingWindow) Allow(_ context.Context, key string) (*RateLimitResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	hits := w.prune(key, now)

	if int64(len(hits)) >= w.cfg.Limit {
		retry := hits[0].Add(w.cfg.Window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return &RateLimitResult{
			Allowed:      false,
			CurrentCount: int64(len(hits)),
			Limit:        w.cfg.Limit,
			RetryAfter:   retry,
		}, nil
	}

	hits = append(hits, now)
	w.hits[key] = hits

	return &RateLimitResult{
		Allowed:      true,
		CurrentCount: int64(len(hits)),
		Limit:        w.cfg.Limit,
	}, nil
}

// Count returns how many requests for key fall inside the current window
func (w *SlidingWindow) Count(key string) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int64(len(w.prune(key, w.now())))
}

// Config returns the window budget
func (w *SlidingWindow) Config() WindowConfig {
	return w.cfg
}

func (w *SlidingWindow) prune(key string, now time.Time) []time.Time {
	hits := w.hits[key]
	cutoff := now.Add(-w.cfg.Window)

	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		hits = append(hits[:0:0], hits[i:]...)
		w.hits[key] = hits
	}
	return hits
}
