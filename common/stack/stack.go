// Package stack assembles the engines from configuration. The daemon and the
// CLI share it so both run the same cycle.
package stack

import (
	"fmt"

	"github.com/lyzr/pevr/common/config"
	"github.com/lyzr/pevr/common/execution"
	"github.com/lyzr/pevr/common/generation"
	"github.com/lyzr/pevr/common/logger"
	"github.com/lyzr/pevr/common/mutation"
	"github.com/lyzr/pevr/common/pevr"
	"github.com/lyzr/pevr/common/planning"
	"github.com/lyzr/pevr/common/ratelimit"
	redisWrapper "github.com/lyzr/pevr/common/redis"
	"github.com/lyzr/pevr/common/reflection"
	"github.com/lyzr/pevr/common/verification"
)

// Stack is every engine a cycle needs
type Stack struct {
	Generation   *generation.Service
	Limiter      ratelimit.Limiter
	Approval     *planning.ApprovalPolicy
	Planner      *planning.Generator
	Reflector    *reflection.Generator
	Verifier     *verification.Engine
	Workspaces   *pevr.Workspaces
	Orchestrator *pevr.Orchestrator

	unknownAction planning.UnknownActionPolicy
	log           *logger.Logger
}

// Build wires the engines. rdb may be nil, in which case the limiter and the
// lesson store stay in memory.
func Build(cfg *config.Config, rdb *redisWrapper.Client, log *logger.Logger, reporter pevr.Reporter) (*Stack, error) {
	client, err := generation.NewOpenAIClient(generation.OpenAIConfig{
		APIKey:  cfg.Generation.APIKey,
		BaseURL: cfg.Generation.BaseURL,
		Model:   cfg.Generation.Model,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("create generation client: %w", err)
	}

	limiter, err := NewLimiter(cfg, rdb, log)
	if err != nil {
		return nil, err
	}

	gen := generation.NewService(client, limiter, generation.Options{
		Temperature: float32(cfg.Generation.Temperature),
		MaxTokens:   cfg.Generation.MaxTokens,
		Pricing: generation.Pricing{
			InputPer1K:  cfg.Generation.InputCostPer1K,
			OutputPer1K: cfg.Generation.OutputCostPer1K,
		},
	}, log)

	approval, err := planning.NewApprovalPolicy(cfg.Planning.ApprovalExpression)
	if err != nil {
		return nil, fmt.Errorf("compile approval policy: %w", err)
	}

	unknownAction := planning.UnknownActionPolicy(cfg.Planning.UnknownActionPolicy)
	planner := planning.NewGenerator(gen, approval, planning.GeneratorConfig{
		MaxRetries:        cfg.Planning.MaxRetries,
		RetryBaseDelay:    cfg.Planning.RetryBaseDelay,
		UnknownAction:     unknownAction,
		FallbackOnFailure: cfg.Planning.FallbackOnFailure,
	}, log)

	limits := reflection.Limits{MaxLessons: cfg.Reflection.MaxLessons, MaxPatterns: cfg.Reflection.MaxPatterns}
	var store reflection.Store = reflection.NewMemoryStore(limits)
	if rdb != nil {
		store = reflection.NewRedisStore(rdb, limits)
	}
	reflector := reflection.NewGenerator(gen, store, log)

	verifier := NewVerifier(cfg, log)
	workspaces := pevr.NewWorkspaces(gen, log, MutationOptions(cfg), []execution.Option{
		execution.WithConcurrency(cfg.Execution.Concurrency),
		execution.WithContextLines(cfg.Execution.ContextLines),
		execution.WithShortOutputGuard(cfg.Execution.MinOutputChars, cfg.Execution.MinOriginalChars),
	})

	opts := []pevr.Option{pevr.WithLessonsForPlan(cfg.Reflection.LessonsForPlan)}
	if reporter != nil {
		opts = append(opts, pevr.WithReporter(reporter))
	}
	orch := pevr.NewOrchestrator(planner, workspaces, verifier, reflector, log, opts...)

	return &Stack{
		Generation:    gen,
		Limiter:       limiter,
		Approval:      approval,
		Planner:       planner,
		Reflector:     reflector,
		Verifier:      verifier,
		Workspaces:    workspaces,
		Orchestrator:  orch,
		unknownAction: unknownAction,
		log:           log,
	}, nil
}

// Normalizer returns the plan normalizer used for amendments, seeded with the
// project's known files
func (s *Stack) Normalizer(knownFiles []string) planning.Normalizer {
	return planning.Normalizer{UnknownAction: s.unknownAction, KnownFiles: knownFiles, Logger: s.log}
}

// NewLimiter builds the generation rate limiter for the configured backend
func NewLimiter(cfg *config.Config, rdb *redisWrapper.Client, log *logger.Logger) (ratelimit.Limiter, error) {
	window := ratelimit.WindowConfig{
		Limit:  int64(cfg.Generation.RateLimitRequests),
		Window: cfg.Generation.RateLimitPeriod,
	}
	switch cfg.Generation.LimiterBackend {
	case "", "memory":
		return ratelimit.NewSlidingWindow(window), nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis limiter backend requires a redis connection")
		}
		return ratelimit.NewRateLimiter(rdb.GetUnderlying(), window, log), nil
	default:
		return nil, fmt.Errorf("unknown limiter backend: %s", cfg.Generation.LimiterBackend)
	}
}

// MutationOptions maps config onto mutation engine options
func MutationOptions(cfg *config.Config) []mutation.Option {
	return []mutation.Option{
		mutation.WithBackupDirName(cfg.Workspace.BackupDirName),
		mutation.WithMaxFileSize(cfg.Mutation.MaxFileSize),
		mutation.WithLargeChangeLines(cfg.Mutation.LargeChangeLines),
		mutation.WithMissingModifyPolicy(mutation.MissingTargetPolicy(cfg.Mutation.MissingModifyPolicy)),
		mutation.WithBackupRetention(cfg.Workspace.BackupRetention),
	}
}

// NewVerifier builds the verification engine from config
func NewVerifier(cfg *config.Config, log *logger.Logger) *verification.Engine {
	return verification.NewEngine(log,
		verification.WithTimeouts(verification.Timeouts{
			Test:   cfg.Verification.TestTimeout,
			TSC:    cfg.Verification.TSCTimeout,
			Node:   cfg.Verification.NodeTimeout,
			Ruff:   cfg.Verification.RuffTimeout,
			ESLint: cfg.Verification.ESLintTimeout,
		}),
		verification.WithLimits(verification.Limits{
			Output:      cfg.Verification.OutputLimit,
			Errors:      cfg.Verification.MaxErrors,
			LintDetails: cfg.Verification.MaxLintDetails,
		}),
	)
}
