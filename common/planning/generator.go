package planning

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/lyzr/pevr/common/generation"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// GeneratorConfig controls retries and failure handling
type GeneratorConfig struct {
	MaxRetries        int
	RetryBaseDelay    time.Duration
	UnknownAction     UnknownActionPolicy
	FallbackOnFailure bool
}

// Generator produces plans through the generation service
type Generator struct {
	gen      generation.Generator
	approval *ApprovalPolicy
	cfg      GeneratorConfig
	logger   Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewGenerator creates a plan generator
func NewGenerator(gen generation.Generator, approval *ApprovalPolicy, cfg GeneratorConfig, logger Logger) *Generator {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 3
	}
	if cfg.UnknownAction == "" {
		cfg.UnknownAction = CoerceToModify
	}
	return &Generator{
		gen:      gen,
		approval: approval,
		cfg:      cfg,
		logger:   logger,
		sleep:    sleepContext,
	}
}

// Generate returns a validated, normalized plan with RequiresApproval decided.
// When every attempt fails the error wraps ErrPlanningFailed, unless the fallback
// policy is enabled, in which case a single-step fallback plan is returned.
func (g *Generator) Generate(ctx context.Context, req Request) (*Plan, error) {
	g.logger.Info("planning", "intent", truncate(req.Intent, 100))

	plan, err := g.generateWithRetries(ctx, req)
	if err != nil {
		if g.cfg.FallbackOnFailure {
			g.logger.Warn("planning failed, using fallback plan", "error", err)
			return FallbackPlan(req.Intent), nil
		}
		return nil, err
	}

	g.logger.Info("plan ready",
		"steps", len(plan.Steps),
		"files_to_create", len(plan.FilesToCreate),
		"files_to_modify", len(plan.FilesToModify),
		"requires_approval", plan.RequiresApproval)
	return plan, nil
}

func (g *Generator) generateWithRetries(ctx context.Context, req Request) (*Plan, error) {
	prompt := buildPrompt(req)
	var lastErr error

	for attempt := 1; attempt <= g.cfg.MaxRetries; attempt++ {
		plan, err := g.attempt(ctx, prompt, req)
		if err == nil {
			return plan, nil
		}
		lastErr = err
		g.logger.Warn("planning attempt failed", "attempt", attempt, "error", err)

		if attempt < g.cfg.MaxRetries {
			delay := g.cfg.RetryBaseDelay * time.Duration(1<<(attempt-1))
			if err := g.sleep(ctx, delay); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrPlanningFailed, err)
			}
		}
	}

	return nil, fmt.Errorf("%w: all %d attempts failed: %w", ErrPlanningFailed, g.cfg.MaxRetries, lastErr)
}

func (g *Generator) attempt(ctx context.Context, prompt string, req Request) (*Plan, error) {
	var plan Plan
	res, err := g.gen.GenerateJSON(ctx, generation.Request{
		Prompt:      prompt,
		System:      systemPrompt,
		Temperature: generation.Float32(0.2),
		MaxTokens:   4096,
	}, &plan)
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, fmt.Errorf("generation rate limited, retry after %s", res.RetryAfter)
	}

	norm := Normalizer{UnknownAction: g.cfg.UnknownAction, KnownFiles: req.Profile.SourceFiles, Logger: g.logger}
	if err := norm.Normalize(&plan); err != nil {
		return nil, err
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	plan.TechStack = req.Profile.TechStack
	if err := g.approval.Apply(&plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// FallbackPlan is the single-step plan used when planning is unavailable. It always requires approval.
func FallbackPlan(intent string) *Plan {
	return &Plan{
		Summary:       "Fallback plan: " + truncate(intent, 60),
		Understanding: "AI planning unavailable; fallback used.",
		Steps: []Step{{
			StepNumber:   1,
			Title:        "Create stub file",
			Description:  "Minimal stub for the user request",
			Action:       ActionCreate,
			FilePath:     "implementation_stub.py",
			CodeIntent:   intent,
			Reason:       "Fallback",
			Dependencies: StepRefs{},
			RiskLevel:    LevelLow,
		}},
		FilesToCreate:          []string{"implementation_stub.py"},
		FilesToModify:          []string{},
		FilesToDelete:          []string{},
		NewDependencies:        NewDependencies{Python: []string{}, NPM: []string{}},
		ImportsNeeded:          map[string][]string{},
		TestsToCreate:          []string{},
		SecurityConsiderations: []string{},
		Risks:                  []string{"Fallback plan, limited functionality"},
		EstimatedComplexity:    LevelLow,
		Assumptions:            []string{"Generation service unavailable"},
		SuccessCriteria:        []string{"Stub file created"},
		RequiresApproval:       true,
		IsFallback:             true,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// IsPlanningError reports whether err came from plan generation or validation
func IsPlanningError(err error) bool {
	return errors.Is(err, ErrPlanningFailed) || errors.Is(err, ErrMalformedPlan)
}
