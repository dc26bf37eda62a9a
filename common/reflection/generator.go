package reflection

import (
	"context"
	"fmt"
	"strings"

	"github.com/lyzr/pevr/common/generation"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

const systemPrompt = `You are a principal engineer mentoring a junior AI coding assistant.
Analyse the execution results and return ONLY a JSON object.

Focus areas:
1. Quality: code correctness, error handling, test coverage
2. Security: secrets, injection risks, auth issues
3. Performance: N+1 queries, missing indexes, blocking I/O
4. Architecture: coupling, patterns, missing abstractions

JSON schema (output ONLY this):
{
  "summary": "1-2 sentence analysis",
  "success_factors": ["..."],
  "failure_factors": ["..."],
  "lessons_learned": ["Specific, actionable lesson"],
  "suggestions": ["Concrete next improvement"],
  "patterns_detected": ["e.g. missing error handling pattern"],
  "risk_assessment": "Were risks correctly predicted?",
  "complexity_assessment": "Was estimate accurate?",
  "category_tags": ["quality", "security", "performance", "architecture"],
  "severity": "info|warning|critical"
}`

// Generator reviews finished cycles and records their lessons
type Generator struct {
	gen    generation.Generator
	store  Store
	logger Logger
}

// NewGenerator creates a reflection generator. gen may be nil, in which case every
// reflection is heuristic.
func NewGenerator(gen generation.Generator, store Store, logger Logger) *Generator {
	return &Generator{gen: gen, store: store, logger: logger}
}

// Store returns the lesson store the generator records into
func (g *Generator) Store() Store {
	return g.store
}

// Reflect produces a reflection for the cycle and records its lessons. Generation
// failures fall back to the heuristic reflection; store failures are logged only.
func (g *Generator) Reflect(ctx context.Context, c Cycle) (*Reflection, error) {
	g.logger.Info("reflecting on action", "action_id", c.ActionID)

	r, err := g.generate(ctx, c)
	if err != nil {
		g.logger.Warn("reflection generation failed, using heuristic fallback", "action_id", c.ActionID, "error", err)
		r = Heuristic(c)
	}
	r.normalize()

	if g.store != nil {
		added, err := g.store.Record(ctx, c.ProjectID, c.ActionID, r)
		if err != nil {
			g.logger.Error("failed to record lessons", "project_id", c.ProjectID, "action_id", c.ActionID, "error", err)
		} else {
			g.logger.Debug("lessons recorded", "project_id", c.ProjectID, "new_lessons", added)
		}
	}

	g.logger.Info("reflection stored",
		"action_id", c.ActionID,
		"lessons", len(r.LessonsLearned),
		"severity", r.Severity)
	return r, nil
}

func (g *Generator) generate(ctx context.Context, c Cycle) (*Reflection, error) {
	if g.gen == nil {
		return nil, fmt.Errorf("no generation service configured")
	}
	var r Reflection
	res, err := g.gen.GenerateJSON(ctx, generation.Request{
		Prompt:      buildContext(c),
		System:      systemPrompt,
		Temperature: generation.Float32(0.35),
		MaxTokens:   2000,
	}, &r)
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, fmt.Errorf("generation rate limited, retry after %s", res.RetryAfter)
	}
	return &r, nil
}

// RecentLessons returns up to n of the project's most recent lessons
func (g *Generator) RecentLessons(ctx context.Context, projectID string, n int) ([]string, error) {
	if g.store == nil {
		return nil, nil
	}
	l, err := g.store.Load(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return l.Recent(n), nil
}

func buildContext(c Cycle) string {
	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	line("# ACTION")
	line("Intent    : %s", c.Intent)
	line("Complexity: %s", orDefault(c.Complexity, "unknown"))
	line("Steps     : %d", c.Steps)
	line("New files : %d", c.NewFiles)
	line("Modified  : %d", c.Modified)
	if len(c.Risks) > 0 {
		line("")
		line("Predicted risks:")
		for _, r := range head(c.Risks, 5) {
			line("  - %s", r)
		}
	}

	line("")
	line("# EXECUTION")
	line("Success      : %t", c.ExecutionSuccess)
	line("Files created: %d", c.FilesCreated)
	line("Files modified: %d", c.FilesModified)
	if len(c.ExecutionErrors) > 0 {
		line("Execution errors:")
		for _, e := range head(c.ExecutionErrors, 3) {
			line("  - %s", e)
		}
	}

	line("")
	line("# VERIFICATION")
	line("Passed       : %t", c.VerificationPassed)
	line("Tests run    : %d", c.TestsRun)
	line("Tests passed : %d", c.TestsPassed)
	line("Tests failed : %d", c.TestsFailed)
	line("Syntax valid : %t", c.SyntaxValid)
	line("Lint valid   : %t", c.LintValid)
	if c.CoveragePercent != nil {
		line("Coverage     : %.1f%%", *c.CoveragePercent)
	}
	if len(c.VerificationErrors) > 0 {
		line("Verification errors:")
		for _, e := range head(c.VerificationErrors, 3) {
			line("  - %s", e)
		}
	}

	line("")
	b.WriteString("Provide a concise, actionable reflection. Output ONLY the JSON.")
	return b.String()
}

func head(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
