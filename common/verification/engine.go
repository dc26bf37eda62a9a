// Package verification establishes evidence that a workspace is still healthy
// after changes: its test suite, syntax of the changed files and lint.
//
// External tool failures never abort a run. Missing tools are skips, timeouts
// and crashes become error strings in the Report.
package verification

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/lyzr/pevr/common/metrics"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Timeouts bound every subprocess the engine starts
type Timeouts struct {
	Test   time.Duration
	TSC    time.Duration
	Node   time.Duration
	Ruff   time.Duration
	ESLint time.Duration
	Probe  time.Duration
}

// DefaultTimeouts are used for any zero field
var DefaultTimeouts = Timeouts{
	Test:   300 * time.Second,
	TSC:    15 * time.Second,
	Node:   5 * time.Second,
	Ruff:   20 * time.Second,
	ESLint: 30 * time.Second,
	Probe:  5 * time.Second,
}

// Engine runs verification against a workspace root
type Engine struct {
	timeouts Timeouts
	limits   Limits
	python   string
	logger   Logger
}

// Option configures an Engine
type Option func(*Engine)

// WithTimeouts overrides subprocess timeouts; zero fields keep their defaults
func WithTimeouts(t Timeouts) Option {
	return func(e *Engine) {
		setIfPositive(&e.timeouts.Test, t.Test)
		setIfPositive(&e.timeouts.TSC, t.TSC)
		setIfPositive(&e.timeouts.Node, t.Node)
		setIfPositive(&e.timeouts.Ruff, t.Ruff)
		setIfPositive(&e.timeouts.ESLint, t.ESLint)
		setIfPositive(&e.timeouts.Probe, t.Probe)
	}
}

// WithLimits overrides report caps; zero fields keep their defaults
func WithLimits(l Limits) Option {
	return func(e *Engine) {
		if l.Output > 0 {
			e.limits.Output = l.Output
		}
		if l.Errors > 0 {
			e.limits.Errors = l.Errors
		}
		if l.LintDetails > 0 {
			e.limits.LintDetails = l.LintDetails
		}
	}
}

// WithPython sets the interpreter used to run pytest
func WithPython(bin string) Option {
	return func(e *Engine) {
		if bin != "" {
			e.python = bin
		}
	}
}

func setIfPositive(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

// NewEngine creates a verification engine
func NewEngine(logger Logger, opts ...Option) *Engine {
	e := &Engine{
		timeouts: DefaultTimeouts,
		limits:   DefaultLimits,
		python:   "python3",
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Verify runs tests, then syntax and lint checks over changed (workspace-relative)
// files. The only error returned is for a workspace that cannot be inspected.
func (e *Engine) Verify(ctx context.Context, root string, changed []string) (*Report, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat workspace: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace %s is not a directory", root)
	}

	e.logger.Info("verifying workspace", "root", root, "changed_files", len(changed))

	fw := DetectFramework(root)
	var tr testResult
	switch fw {
	case FrameworkPytest:
		tr = e.runPytest(ctx, root)
	case FrameworkNPM:
		tr = e.runNPMTest(ctx, root)
	default:
		e.logger.Info("no test framework detected, skipping test run")
		tr = testResult{ok: true}
	}

	var syntaxErrs []string
	lr := lintResult{valid: true}
	if len(changed) > 0 {
		syntaxErrs = e.checkSyntax(ctx, root, changed)
		lr = e.lint(ctx, root, changed)
	}

	report := aggregate(fw, tr, syntaxErrs, lr, e.limits)
	metrics.VerificationRuns.WithLabelValues(metrics.Outcome(report.Passed)).Inc()

	e.logger.Info("verification finished",
		"passed", report.Passed,
		"framework", string(report.Framework),
		"tests_run", report.TestsRun,
		"tests_failed", report.TestsFailed,
		"syntax_valid", report.SyntaxValid,
		"lint_valid", report.LintValid)
	return report, nil
}
