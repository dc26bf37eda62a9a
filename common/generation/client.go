// Package generation is the code generation service shared by the planner,
// the plan runner and the reflection generator. A Service is constructed once
// and injected; it owns its rate limiter state and usage counters.
package generation

import (
	"context"
	"errors"
)

var (
	// ErrGeneration wraps any failure of the upstream model call
	ErrGeneration = errors.New("generation failed")
	// ErrInvalidJSON is returned when a structured response cannot be decoded
	ErrInvalidJSON = errors.New("generation returned invalid JSON")
	// ErrUpstreamRateLimited is returned by clients when the provider answers 429
	ErrUpstreamRateLimited = errors.New("upstream rate limit exceeded")
)

// Request is one prompt sent to the model
type Request struct {
	Prompt      string
	System      string
	Temperature *float32
	MaxTokens   int
	JSON        bool
}

// Completion is the raw model answer plus token usage
type Completion struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Client performs a single model call. Implementations must not retry or rate limit.
type Client interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
	Model() string
}

// Float32 is a helper for optional temperature settings
func Float32(v float32) *float32 {
	return &v
}

// Generator is what the engines depend on. *Service implements it.
type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
	GenerateJSON(ctx context.Context, req Request, out any) (Result, error)
}
