package generation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/lyzr/pevr/common/metrics"
	"github.com/lyzr/pevr/common/ratelimit"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Status tells the caller which variant a Result holds
type Status int

const (
	StatusOK Status = iota
	StatusRateLimited
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusRateLimited:
		return "rate_limited"
	}
	return "unknown"
}

// Result is either generated text (StatusOK) or a rate-limit rejection carrying a retry hint
type Result struct {
	Status     Status
	Text       string
	RetryAfter time.Duration
}

// OK reports whether the result carries text
func (r Result) OK() bool { return r.Status == StatusOK }

// Pricing is the estimated cost per thousand tokens
type Pricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

// Options are the per-service defaults applied when a Request leaves them unset
type Options struct {
	Temperature float32
	MaxTokens   int
	Pricing     Pricing
	LimiterKey  string
}

// Stats is a snapshot of usage since the service was created
type Stats struct {
	Model            string  `json:"model"`
	TotalRequests    int64   `json:"total_requests"`
	RateLimited      int64   `json:"rate_limited"`
	Failures         int64   `json:"failures"`
	InputTokens      int64   `json:"total_input_tokens"`
	OutputTokens     int64   `json:"total_output_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
	WindowUsed       int64   `json:"window_used"`
	WindowLimit      int64   `json:"window_limit"`
}

// windowCounter is implemented by limiters that can report their current window
type windowCounter interface {
	Count(key string) int64
	Config() ratelimit.WindowConfig
}

// Service gates a Client behind a reject-only limiter and tracks usage
type Service struct {
	client  Client
	limiter ratelimit.Limiter
	opts    Options
	logger  Logger

	mu    sync.Mutex
	stats Stats
}

// NewService wires a client to a limiter
func NewService(client Client, limiter ratelimit.Limiter, opts Options, logger Logger) *Service {
	if opts.LimiterKey == "" {
		opts.LimiterKey = "generation"
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = 4096
	}
	return &Service{
		client:  client,
		limiter: limiter,
		opts:    opts,
		logger:  logger,
		stats:   Stats{Model: client.Model()},
	}
}

// Generate runs one prompt. A full window yields StatusRateLimited without calling the model.
// Any other failure is returned as an error wrapping ErrGeneration.
func (s *Service) Generate(ctx context.Context, req Request) (Result, error) {
	rl, err := s.limiter.Allow(ctx, s.opts.LimiterKey)
	if err != nil {
		return Result{}, fmt.Errorf("%w: rate limiter: %v", ErrGeneration, err)
	}
	if !rl.Allowed {
		s.mu.Lock()
		s.stats.RateLimited++
		s.mu.Unlock()
		metrics.GenerationRequests.WithLabelValues(StatusRateLimited.String()).Inc()
		s.logger.Warn("generation rate limit reached",
			"limit", rl.Limit,
			"retry_after", rl.RetryAfter)
		return Result{Status: StatusRateLimited, RetryAfter: rl.RetryAfter}, nil
	}

	if req.Temperature == nil {
		req.Temperature = Float32(s.opts.Temperature)
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = s.opts.MaxTokens
	}

	start := time.Now()
	comp, err := s.client.Complete(ctx, req)
	if err != nil {
		s.mu.Lock()
		s.stats.Failures++
		s.mu.Unlock()
		if errors.Is(err, ErrUpstreamRateLimited) {
			metrics.GenerationRequests.WithLabelValues(StatusRateLimited.String()).Inc()
			s.logger.Warn("upstream rate limit", "error", err)
			return Result{Status: StatusRateLimited}, nil
		}
		metrics.GenerationRequests.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("%w: %v", ErrGeneration, err)
	}

	s.track(comp)
	metrics.GenerationRequests.WithLabelValues(StatusOK.String()).Inc()
	metrics.GenerationTokens.WithLabelValues("input").Add(float64(comp.InputTokens))
	metrics.GenerationTokens.WithLabelValues("output").Add(float64(comp.OutputTokens))
	s.logger.Debug("generation complete",
		"chars", len(comp.Text),
		"input_tokens", comp.InputTokens,
		"output_tokens", comp.OutputTokens,
		"duration_ms", time.Since(start).Milliseconds())

	return Result{Status: StatusOK, Text: comp.Text}, nil
}

// GenerateJSON asks for a JSON object and decodes it into out.
// A rate-limited result leaves out untouched.
func (s *Service) GenerateJSON(ctx context.Context, req Request, out any) (Result, error) {
	req.JSON = true
	req.Prompt += "\n\nRespond with ONLY valid JSON. No markdown fences, no prose."
	if req.Temperature == nil {
		req.Temperature = Float32(0.2)
	}

	res, err := s.Generate(ctx, req)
	if err != nil || !res.OK() {
		return res, err
	}
	if err := DecodeJSON(res.Text, out); err != nil {
		return res, err
	}
	return res, nil
}

func (s *Service) track(c *Completion) {
	cost := float64(c.InputTokens)/1000*s.opts.Pricing.InputPer1K +
		float64(c.OutputTokens)/1000*s.opts.Pricing.OutputPer1K

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.TotalRequests++
	s.stats.InputTokens += int64(c.InputTokens)
	s.stats.OutputTokens += int64(c.OutputTokens)
	s.stats.EstimatedCostUSD += cost
}

// Stats returns a copy of the usage counters plus the limiter window when it is in-process
func (s *Service) Stats() Stats {
	s.mu.Lock()
	st := s.stats
	s.mu.Unlock()

	st.TotalTokens = st.InputTokens + st.OutputTokens
	st.EstimatedCostUSD = math.Round(st.EstimatedCostUSD*1e6) / 1e6
	if wc, ok := s.limiter.(windowCounter); ok {
		st.WindowUsed = wc.Count(s.opts.LimiterKey)
		st.WindowLimit = wc.Config().Limit
	}
	return st
}
