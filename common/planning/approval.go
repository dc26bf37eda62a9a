package planning

import (
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"
)

// DefaultApprovalExpression requires approval for deletes, high complexity,
// more than two risks, or any risk mentioning a breaking change
const DefaultApprovalExpression = `size(plan.files_to_delete) > 0 ||
plan.estimated_complexity == "high" ||
size(plan.risks) > 2 ||
plan.risks.exists(r, r.matches("(?i)breaking"))`

// ApprovalPolicy evaluates a CEL expression over the plan. The expression sees the
// plan as `plan` with the JSON field names.
type ApprovalPolicy struct {
	expr string
	prg  cel.Program
}

// NewApprovalPolicy compiles expr; an empty expr uses DefaultApprovalExpression
func NewApprovalPolicy(expr string) (*ApprovalPolicy, error) {
	if expr == "" {
		expr = DefaultApprovalExpression
	}

	prg, err := compileApproval(expr)
	if err != nil {
		return nil, err
	}
	return &ApprovalPolicy{expr: expr, prg: prg}, nil
}

// Expression returns the source of the active rule
func (a *ApprovalPolicy) Expression() string {
	return a.expr
}

// Requires reports whether the plan needs human approval.
// The generator's own requires_approval flag is OR-ed with the rule.
func (a *ApprovalPolicy) Requires(p *Plan) (bool, error) {
	if p.RequiresApproval {
		return true, nil
	}

	vars, err := planVars(p)
	if err != nil {
		return false, err
	}

	out, _, err := a.prg.Eval(map[string]interface{}{"plan": vars})
	if err != nil {
		return false, fmt.Errorf("approval rule evaluation error: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("approval rule did not return boolean, got %T", out.Value())
	}
	return result, nil
}

// Apply sets p.RequiresApproval from the rule
func (a *ApprovalPolicy) Apply(p *Plan) error {
	required, err := a.Requires(p)
	if err != nil {
		return err
	}
	p.RequiresApproval = required
	return nil
}

func compileApproval(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(cel.Variable("plan", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("approval rule compilation error: %w", issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}
	return prg, nil
}

// planVars turns the plan into plain maps and lists so CEL can select JSON field names
func planVars(p *Plan) (map[string]interface{}, error) {
	cp := *p
	fillEmpty(&cp.FilesToCreate, &cp.FilesToModify, &cp.FilesToDelete, &cp.Risks,
		&cp.TestsToCreate, &cp.SecurityConsiderations, &cp.Assumptions, &cp.SuccessCriteria)

	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("encode plan for approval rule: %w", err)
	}
	var vars map[string]interface{}
	if err := json.Unmarshal(data, &vars); err != nil {
		return nil, fmt.Errorf("decode plan for approval rule: %w", err)
	}
	return vars, nil
}
