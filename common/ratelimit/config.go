package ratelimit

import "time"

// WindowConfig defines a sliding window budget
type WindowConfig struct {
	Limit  int64         // Requests allowed per window
	Window time.Duration // Window length
}

// DefaultGenerationWindow is the generation budget: 100 calls per minute
var DefaultGenerationWindow = WindowConfig{
	Limit:  100,
	Window: 60 * time.Second,
}

// DefaultSubmissionWindow guards the HTTP submission endpoint
var DefaultSubmissionWindow = WindowConfig{
	Limit:  30,
	Window: 60 * time.Second,
}
