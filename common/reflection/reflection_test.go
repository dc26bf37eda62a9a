package reflection

import (
	"context"
	"fmt"
	"os"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/pevr/common/generation"
	"github.com/lyzr/pevr/common/logger"
	redisWrapper "github.com/lyzr/pevr/common/redis"
)

type fakeGenerator struct {
	text    string
	err     error
	result  generation.Result
	prompts []string
}

func (f *fakeGenerator) Generate(context.Context, generation.Request) (generation.Result, error) {
	return generation.Result{}, fmt.Errorf("not used")
}

func (f *fakeGenerator) GenerateJSON(_ context.Context, req generation.Request, out any) (generation.Result, error) {
	f.prompts = append(f.prompts, req.Prompt)
	if f.err != nil {
		return generation.Result{}, f.err
	}
	if f.result.Status == generation.StatusRateLimited {
		return f.result, nil
	}
	return generation.Result{Status: generation.StatusOK, Text: f.text}, generation.DecodeJSON(f.text, out)
}

func passingCycle() Cycle {
	return Cycle{
		ProjectID:          "p1",
		ActionID:           "a1",
		Intent:             "add login endpoint",
		Complexity:         "medium",
		Steps:              2,
		Risks:              []string{"session fixation"},
		ExecutionSuccess:   true,
		FilesCreated:       2,
		VerificationRan:    true,
		VerificationPassed: true,
		TestsRun:           5,
		TestsPassed:        5,
		SyntaxValid:        true,
		LintValid:          true,
	}
}

func TestHeuristic(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(c *Cycle)
		severity Severity
		lessons  []string
	}{
		{"clean", func(c *Cycle) {}, SeverityInfo, []string{}},
		{"execution failed", func(c *Cycle) { c.ExecutionSuccess = false }, SeverityWarning,
			[]string{"Review error handling in generated code templates"}},
		{"syntax broken", func(c *Cycle) { c.VerificationPassed = false; c.SyntaxValid = false }, SeverityCritical,
			[]string{"Syntax errors detected: add syntax pre-check before applying diffs"}},
		{"tests failed", func(c *Cycle) { c.VerificationPassed = false; c.TestsFailed = 2 }, SeverityWarning,
			[]string{"Test failures: improve test scaffolding in plan"}},
		{"lint only", func(c *Cycle) { c.LintValid = false }, SeverityInfo,
			[]string{"Lint errors present: adopt ruff auto-fix in workflow"}},
		{"execution failed before verification", func(c *Cycle) {
			c.ExecutionSuccess = false
			c.VerificationRan, c.VerificationPassed, c.SyntaxValid, c.LintValid = false, false, false, false
		}, SeverityWarning, []string{"Review error handling in generated code templates"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := passingCycle()
			tt.mutate(&c)
			r := Heuristic(c)
			assert.True(t, r.Heuristic)
			assert.Equal(t, tt.severity, r.Severity)
			assert.Equal(t, tt.lessons, r.LessonsLearned)
		})
	}
}

func TestMergeDedupsAndCaps(t *testing.T) {
	store := NewMemoryStore(Limits{MaxLessons: 3, MaxPatterns: 2})
	ctx := context.Background()

	added, err := store.Record(ctx, "p", "a1", &Reflection{
		LessonsLearned:   []string{"Use context timeouts", "  use CONTEXT timeouts ", "Close rows"},
		PatternsDetected: []string{"p1", "p2"},
		CategoryTags:     []string{CategoryPerformance},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	added, err = store.Record(ctx, "p", "a2", &Reflection{
		LessonsLearned:   []string{"Close rows", "Pin versions", "Validate input"},
		PatternsDetected: []string{"p2", "p3"},
		FailureFactors:   []string{"tests failed"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	l, err := store.Load(ctx, "p")
	require.NoError(t, err)
	require.Len(t, l.Lessons, 3)
	assert.Equal(t, []string{"Close rows", "Pin versions", "Validate input"}, l.Recent(10))
	assert.Equal(t, []string{"p2", "p3"}, l.Patterns)
	assert.Equal(t, 1, l.Successes)
	assert.Equal(t, 1, l.Failures)

	assert.Equal(t, CategoryPerformance, l.Lessons[0].Category)
	assert.Equal(t, CategoryQuality, l.Lessons[1].Category)
	assert.Equal(t, LessonKey("close rows"), l.Lessons[0].HashKey)
	assert.Len(t, l.Lessons[0].HashKey, 12)
}

func TestCriticalCountsAsFailure(t *testing.T) {
	store := NewMemoryStore(Limits{})
	_, err := store.Record(context.Background(), "p", "a", &Reflection{Severity: SeverityCritical})
	require.NoError(t, err)

	l, err := store.Load(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, 0, l.Successes)
	assert.Equal(t, 1, l.Failures)
}

func TestFailedReflectionsRaiseFailureRateAdvice(t *testing.T) {
	store := NewMemoryStore(Limits{})
	g := NewGenerator(&fakeGenerator{err: fmt.Errorf("model down")}, store, logger.Discard())
	ctx := context.Background()

	c := passingCycle()
	c.VerificationPassed, c.TestsFailed = false, 3
	for i := 0; i < 3; i++ {
		c.ActionID = fmt.Sprintf("a%d", i)
		r, err := g.Reflect(ctx, c)
		require.NoError(t, err)
		assert.False(t, r.Succeeded())
	}

	l, err := store.Load(ctx, c.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, 3, l.Failures)
	assert.Equal(t, 0, l.Successes)
	assert.Equal(t, []string{"Test failures: improve test scaffolding in plan"}, l.Recent(10))
	assert.Contains(t, Suggestions(l, "tidy up", nil, 0),
		"High recent failure rate: break this task into smaller, independently testable steps.")
}

func TestSuggestions(t *testing.T) {
	l := &Lessons{
		Lessons: []Entry{
			{Lesson: "hash passwords with bcrypt", Category: CategorySecurity},
			{Lesson: "paginate list endpoints", Category: CategoryPerformance},
			{Lesson: "rotate tokens", Category: CategorySecurity},
		},
		Patterns:  []string{"missing error handling"},
		Successes: 1,
		Failures:  2,
	}

	got := Suggestions(l, "Add user login with token refresh", []string{"Breaking API change"}, 0)
	assert.Equal(t, []string{
		"Breaking change detected: ensure backwards-compatible migration path.",
		"High recent failure rate: break this task into smaller, independently testable steps.",
		"[Security] rotate tokens",
		"[Security] hash passwords with bcrypt",
		"Recurring pattern: missing error handling",
	}, got)

	got = Suggestions(l, "Add user login", nil, 2)
	assert.Len(t, got, 2)
	assert.Equal(t, "[Security] rotate tokens", got[1])

	assert.Empty(t, Suggestions(nil, "anything", nil, 0))
}

func TestGeneratorUsesModelOutput(t *testing.T) {
	gen := &fakeGenerator{text: "```json\n" + `{"summary": "Good", "lessons_learned": ["Add rate limiting to login"], "category_tags": ["security"], "severity": "bogus"}` + "\n```"}
	store := NewMemoryStore(Limits{})
	g := NewGenerator(gen, store, logger.Discard())

	c := passingCycle()
	c.VerificationErrors = []string{"e1", "e2", "e3", "e4"}
	r, err := g.Reflect(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, "Good", r.Summary)
	assert.Equal(t, SeverityInfo, r.Severity)
	assert.NotNil(t, r.SuccessFactors)
	assert.False(t, r.Heuristic)

	require.Len(t, gen.prompts, 1)
	assert.Contains(t, gen.prompts[0], "Intent    : add login endpoint")
	assert.Contains(t, gen.prompts[0], "  - session fixation")
	assert.Contains(t, gen.prompts[0], "  - e3")
	assert.NotContains(t, gen.prompts[0], "  - e4")

	lessons, err := g.RecentLessons(context.Background(), "p1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"Add rate limiting to login"}, lessons)

	l, err := store.Load(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, CategorySecurity, l.Lessons[0].Category)
}

func TestGeneratorFallsBackToHeuristic(t *testing.T) {
	tests := []struct {
		name string
		gen  generation.Generator
	}{
		{"error", &fakeGenerator{err: generation.ErrGeneration}},
		{"rate limited", &fakeGenerator{result: generation.Result{Status: generation.StatusRateLimited}}},
		{"invalid json", &fakeGenerator{text: "not json at all"}},
		{"no service", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGenerator(tt.gen, NewMemoryStore(Limits{}), logger.Discard())
			c := passingCycle()
			c.LintValid = false
			r, err := g.Reflect(context.Background(), c)
			require.NoError(t, err)
			assert.True(t, r.Heuristic)
			assert.Equal(t, []string{"Lint errors present: adopt ruff auto-fix in workflow"}, r.LessonsLearned)
		})
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("PEVR_REDIS_ADDR")
	if addr == "" {
		t.Skip("Set PEVR_REDIS_ADDR to run Redis lesson store test")
	}

	client := goredis.NewClient(&goredis.Options{Addr: addr, DB: 15})
	defer client.Close()

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available")
	}

	wrapper := redisWrapper.NewClient(client, logger.Discard())
	require.NoError(t, wrapper.Delete(ctx, lessonsKey("redis-test")))
	store := NewRedisStore(wrapper, Limits{MaxLessons: 2})

	l, err := store.Load(ctx, "redis-test")
	require.NoError(t, err)
	assert.Empty(t, l.Lessons)

	for i, lessons := range [][]string{{"a", "b"}, {"B", "c"}} {
		_, err := store.Record(ctx, "redis-test", fmt.Sprintf("act-%d", i), &Reflection{LessonsLearned: lessons})
		require.NoError(t, err)
	}

	l, err = store.Load(ctx, "redis-test")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, l.Recent(5))
	assert.Equal(t, 2, l.Successes)
}
