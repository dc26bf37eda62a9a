package planning

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/lyzr/pevr/common/generation"
	"github.com/lyzr/pevr/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedGenerator struct {
	responses []string
	errs      []error
	calls     int
	prompts   []string
}

func (s *scriptedGenerator) Generate(ctx context.Context, req generation.Request) (generation.Result, error) {
	return generation.Result{}, errors.New("not used")
}

func (s *scriptedGenerator) GenerateJSON(_ context.Context, req generation.Request, out any) (generation.Result, error) {
	i := s.calls
	s.calls++
	s.prompts = append(s.prompts, req.Prompt)
	if i < len(s.errs) && s.errs[i] != nil {
		return generation.Result{}, s.errs[i]
	}
	text := s.responses[min(i, len(s.responses)-1)]
	if err := generation.DecodeJSON(text, out); err != nil {
		return generation.Result{Status: generation.StatusOK, Text: text}, err
	}
	return generation.Result{Status: generation.StatusOK, Text: text}, nil
}

const goodPlanJSON = `{
  "summary": "Add health endpoint",
  "steps": [
    {"step_number": 1, "title": "Route", "action": "create", "file_path": "app/health.py", "code_intent": "GET /health", "risk_level": "low"},
    {"step_number": 2, "title": "Wire", "action": "update", "file_path": "app/main.py", "dependencies": [1], "risk_level": "critical"}
  ],
  "estimated_complexity": "simple",
  "risks": []
}`

func newTestGenerator(t *testing.T, gen generation.Generator, cfg GeneratorConfig) *Generator {
	t.Helper()
	policy, err := NewApprovalPolicy("")
	require.NoError(t, err)
	g := NewGenerator(gen, policy, cfg, logger.Discard())
	g.sleep = func(context.Context, time.Duration) error { return nil }
	return g
}

func TestNormalizeCoercesLooseOutput(t *testing.T) {
	var p Plan
	require.NoError(t, json.Unmarshal([]byte(goodPlanJSON), &p))

	n := Normalizer{UnknownAction: CoerceToModify, KnownFiles: []string{"app/main.py"}}
	require.NoError(t, n.Normalize(&p))
	require.NoError(t, p.Validate())

	assert.Equal(t, ActionModify, p.Steps[1].Action)
	assert.Equal(t, LevelLow, p.Steps[1].RiskLevel)
	assert.Equal(t, LevelMedium, p.EstimatedComplexity)
	assert.Equal(t, StepRefs{"1"}, p.Steps[1].Dependencies)
	assert.Equal(t, []string{"app/health.py"}, p.FilesToCreate)
	assert.Equal(t, []string{"app/main.py"}, p.FilesToModify)
}

func TestNormalizeRejectPolicy(t *testing.T) {
	var p Plan
	require.NoError(t, json.Unmarshal([]byte(goodPlanJSON), &p))

	err := Normalizer{UnknownAction: RejectUnknownAction}.Normalize(&p)
	assert.ErrorIs(t, err, ErrMalformedPlan)
}

func TestNormalizeRenumbersAndDropsPathless(t *testing.T) {
	p := Plan{
		Summary: "x",
		Steps: []Step{
			{StepNumber: 7, Action: ActionCreate, FilePath: "a.py"},
			{StepNumber: 8, Action: ActionCreate},
			{StepNumber: 9, Action: ActionCreate, FilePath: "b.py"},
		},
	}
	require.NoError(t, Normalizer{}.Normalize(&p))
	require.Len(t, p.Steps, 2)
	assert.Equal(t, 1, p.Steps[0].StepNumber)
	assert.Equal(t, 2, p.Steps[1].StepNumber)
	assert.Equal(t, "Step 2", p.Steps[1].Title)
}

func TestNormalizeRemapsDependencies(t *testing.T) {
	tests := []struct {
		name  string
		steps []Step
		want  []StepRefs
	}{
		{
			name: "dropped step shifts numbers",
			steps: []Step{
				{StepNumber: 1, Action: ActionCreate, FilePath: "a.py"},
				{StepNumber: 2, Action: ActionCreate},
				{StepNumber: 3, Action: ActionCreate, FilePath: "b.py", Dependencies: StepRefs{"1"}},
				{StepNumber: 4, Action: ActionModify, FilePath: "c.py", Dependencies: StepRefs{"3", "1"}},
			},
			want: []StepRefs{{}, {"1"}, {"2", "1"}},
		},
		{
			name: "reference to dropped step is removed",
			steps: []Step{
				{StepNumber: 1, Action: ActionCreate},
				{StepNumber: 2, Action: ActionCreate, FilePath: "a.py", Dependencies: StepRefs{"1"}},
				{StepNumber: 3, Action: ActionModify, FilePath: "b.py", Dependencies: StepRefs{"1", "2", "9"}},
			},
			want: []StepRefs{{}, {"1"}},
		},
		{
			name: "numbers from the model are not positional",
			steps: []Step{
				{StepNumber: 10, Action: ActionCreate, FilePath: "a.py"},
				{StepNumber: 20, Action: ActionModify, FilePath: "b.py", Dependencies: StepRefs{" 10 ", "setup"}},
			},
			want: []StepRefs{{}, {"1", "setup"}},
		},
		{
			name: "missing numbers fall back to position",
			steps: []Step{
				{Action: ActionCreate, FilePath: "a.py"},
				{Action: ActionModify, FilePath: "b.py", Dependencies: StepRefs{"1", "1"}},
			},
			want: []StepRefs{{}, {"1"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Plan{Summary: "x", Steps: tt.steps}
			require.NoError(t, Normalizer{}.Normalize(&p))
			require.Len(t, p.Steps, len(tt.want))
			for i, s := range p.Steps {
				assert.Equal(t, i+1, s.StepNumber)
				assert.Equal(t, tt.want[i], s.Dependencies, "step %d", i+1)
			}
		})
	}
}

func TestValidateRejectsEmptyPlan(t *testing.T) {
	p := Plan{Summary: "nothing", EstimatedComplexity: LevelLow}
	assert.ErrorIs(t, p.Validate(), ErrMalformedPlan)
}

func TestApprovalPolicyDefaultRule(t *testing.T) {
	policy, err := NewApprovalPolicy("")
	require.NoError(t, err)

	base := func() *Plan {
		p := &Plan{Summary: "s", EstimatedComplexity: LevelLow, Steps: []Step{{StepNumber: 1, Action: ActionCreate, FilePath: "a.py", RiskLevel: LevelLow}}}
		require.NoError(t, Normalizer{}.Normalize(p))
		return p
	}

	tests := []struct {
		name   string
		mutate func(p *Plan)
		want   bool
	}{
		{"plain", func(p *Plan) {}, false},
		{"deletes", func(p *Plan) { p.FilesToDelete = []string{"old.py"} }, true},
		{"high complexity", func(p *Plan) { p.EstimatedComplexity = LevelHigh }, true},
		{"two risks", func(p *Plan) { p.Risks = []string{"a", "b"} }, false},
		{"three risks", func(p *Plan) { p.Risks = []string{"a", "b", "c"} }, true},
		{"breaking", func(p *Plan) { p.Risks = []string{"BREAKING change to API"} }, true},
		{"generator flag", func(p *Plan) { p.RequiresApproval = true }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base()
			tt.mutate(p)
			got, err := policy.Requires(p)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApprovalPolicyCustomExpression(t *testing.T) {
	policy, err := NewApprovalPolicy(`plan.steps.exists(s, s.risk_level == "high")`)
	require.NoError(t, err)

	p := &Plan{Summary: "s", Steps: []Step{{StepNumber: 1, Action: ActionModify, FilePath: "a.py", RiskLevel: LevelHigh}}}
	got, err := policy.Requires(p)
	require.NoError(t, err)
	assert.True(t, got)

	_, err = NewApprovalPolicy("plan.")
	assert.Error(t, err)
}

func TestGeneratorRetriesThenSucceeds(t *testing.T) {
	gen := &scriptedGenerator{
		errs:      []error{generation.ErrGeneration, nil},
		responses: []string{"", goodPlanJSON},
	}
	g := newTestGenerator(t, gen, GeneratorConfig{MaxRetries: 3, RetryBaseDelay: time.Second})

	plan, err := g.Generate(context.Background(), Request{
		Intent:  "add a health endpoint",
		Profile: Profile{TechStack: "FastAPI", SourceFiles: []string{"app/main.py"}},
		Lessons: []string{"l1", "l2", "l3", "l4", "l5", "l6"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, gen.calls)
	assert.Equal(t, "FastAPI", plan.TechStack)
	assert.False(t, plan.RequiresApproval)
	assert.Len(t, plan.Steps, 2)

	assert.Contains(t, gen.prompts[0], "# LESSONS FROM PAST ACTIONS")
	assert.NotContains(t, gen.prompts[0], "  - l1\n")
	assert.Contains(t, gen.prompts[0], "  - l6")
}

func TestGeneratorMalformedIsPlanningFailure(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{`{"summary": "no steps"}`}}
	g := newTestGenerator(t, gen, GeneratorConfig{MaxRetries: 3})

	_, err := g.Generate(context.Background(), Request{Intent: "x"})
	assert.ErrorIs(t, err, ErrPlanningFailed)
	assert.True(t, IsPlanningError(err))
	assert.Equal(t, 3, gen.calls)
}

func TestGeneratorFallbackPolicy(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{"garbage"}}
	g := newTestGenerator(t, gen, GeneratorConfig{MaxRetries: 2, FallbackOnFailure: true})

	plan, err := g.Generate(context.Background(), Request{Intent: "do the thing"})
	require.NoError(t, err)
	assert.True(t, plan.IsFallback)
	assert.True(t, plan.RequiresApproval)
	assert.Equal(t, "implementation_stub.py", plan.Steps[0].FilePath)
}

func TestAmendPlan(t *testing.T) {
	var p Plan
	require.NoError(t, json.Unmarshal([]byte(goodPlanJSON), &p))
	norm := Normalizer{KnownFiles: []string{"app/main.py"}}
	require.NoError(t, norm.Normalize(&p))

	policy, err := NewApprovalPolicy("")
	require.NoError(t, err)

	ops := []PatchOp{
		{Op: "replace", Path: "/steps/0/code_intent", Value: json.RawMessage(`"GET /healthz"`)},
		{Op: "add", Path: "/steps/-", Value: json.RawMessage(`{"action": "delete", "file_path": "app/legacy.py"}`)},
	}

	amended, err := AmendPlan(&p, ops, norm, policy)
	require.NoError(t, err)
	assert.Equal(t, "GET /healthz", amended.Steps[0].CodeIntent)
	require.Len(t, amended.Steps, 3)
	assert.Equal(t, 3, amended.Steps[2].StepNumber)
	assert.Contains(t, amended.FilesToDelete, "app/legacy.py")
	assert.True(t, amended.RequiresApproval)

	assert.Equal(t, "GET /health", p.Steps[0].CodeIntent)
}

func TestValidatePatchOps(t *testing.T) {
	tests := []struct {
		name string
		ops  []PatchOp
	}{
		{"empty", nil},
		{"no path", []PatchOp{{Op: "remove"}}},
		{"add without value", []PatchOp{{Op: "add", Path: "/risks/-"}}},
		{"unsupported", []PatchOp{{Op: "merge", Path: "/summary"}}},
		{"step without file", []PatchOp{{Op: "add", Path: "/steps/-", Value: json.RawMessage(`{"action": "create"}`)}}},
		{"locked field", []PatchOp{{Op: "replace", Path: "/requires_approval", Value: json.RawMessage(`false`)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, ValidatePatchOps(tt.ops), ErrInvalidPatch)
		})
	}
}

func TestTruncateKeepsCharactersWhole(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short", "héllo", 60, "héllo"},
		{"ascii", "abcdef", 3, "abc"},
		{"cut inside two-byte rune", "aé", 2, "a"},
		{"cut inside four-byte rune", "ab😀", 5, "ab"},
		{"cut on boundary", "日本語", 6, "日本"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.in, tt.n)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}
