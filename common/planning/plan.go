// Package planning holds the execution plan model and everything that produces or
// adjusts a plan before it runs: shape validation, coercion of loose model output,
// the approval rule, the model-backed generator and pending-plan amendments.
package planning

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrMalformedPlan is returned when a plan is unusable after coercion
	ErrMalformedPlan = errors.New("malformed plan")
	// ErrPlanningFailed is returned when every generation attempt failed
	ErrPlanningFailed = errors.New("planning failed")
	// ErrInvalidPatch is returned for plan amendments that fail validation
	ErrInvalidPatch = errors.New("invalid plan patch")
)

// Action is what a step does to its file
type Action string

const (
	ActionCreate Action = "create"
	ActionModify Action = "modify"
	ActionDelete Action = "delete"
)

// Valid reports whether a is a known action
func (a Action) Valid() bool {
	return a == ActionCreate || a == ActionModify || a == ActionDelete
}

// Level is used for both step risk and plan complexity
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Valid reports whether l is a known level
func (l Level) Valid() bool {
	return l == LevelLow || l == LevelMedium || l == LevelHigh
}

// StepRefs lists the steps a step depends on. Models emit both numbers and strings.
type StepRefs []string

// UnmarshalJSON accepts an array of strings or numbers, or null
func (r *StepRefs) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*r = StepRefs{}
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("dependencies must be an array: %w", err)
	}
	out := make(StepRefs, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			out = append(out, s)
			continue
		}
		var n json.Number
		if err := json.Unmarshal(item, &n); err == nil {
			out = append(out, n.String())
			continue
		}
		return fmt.Errorf("unsupported dependency value %s", string(item))
	}
	*r = out
	return nil
}

// Step is one unit of work in a plan
type Step struct {
	StepNumber   int      `json:"step_number" validate:"gte=1"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Action       Action   `json:"action" validate:"required,oneof=create modify delete"`
	FilePath     string   `json:"file_path" validate:"required"`
	CodeIntent   string   `json:"code_intent"`
	Reason       string   `json:"reason"`
	Dependencies StepRefs `json:"dependencies"`
	RiskLevel    Level    `json:"risk_level" validate:"oneof=low medium high"`
}

// ID is the identifier other steps use in their dependency lists
func (s Step) ID() string {
	return strconv.Itoa(s.StepNumber)
}

// NewDependencies lists packages the plan needs installed
type NewDependencies struct {
	Python []string `json:"python"`
	NPM    []string `json:"npm"`
}

// Plan is the structured output of planning and the input of execution
type Plan struct {
	Summary                string              `json:"summary" validate:"required"`
	Understanding          string              `json:"understanding"`
	Steps                  []Step              `json:"steps" validate:"required,min=1,dive"`
	FilesToCreate          []string            `json:"files_to_create"`
	FilesToModify          []string            `json:"files_to_modify"`
	FilesToDelete          []string            `json:"files_to_delete"`
	NewDependencies        NewDependencies     `json:"new_dependencies"`
	ImportsNeeded          map[string][]string `json:"imports_needed"`
	TestsToCreate          []string            `json:"tests_to_create"`
	SecurityConsiderations []string            `json:"security_considerations"`
	Risks                  []string            `json:"risks"`
	EstimatedComplexity    Level               `json:"estimated_complexity" validate:"oneof=low medium high"`
	Assumptions            []string            `json:"assumptions"`
	SuccessCriteria        []string            `json:"success_criteria"`
	RequiresApproval       bool                `json:"requires_approval"`
	TechStack              string              `json:"tech_stack"`
	IsFallback             bool                `json:"is_fallback,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the plan shape. Call Normalize first for model output.
func (p *Plan) Validate() error {
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %q", ErrMalformedPlan, fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrMalformedPlan, err)
	}
	return nil
}

// Clone returns a deep copy through JSON
func (p *Plan) Clone() (*Plan, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var out Plan
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ParsePlan decodes a stored plan payload
func ParsePlan(data []byte) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPlan, err)
	}
	return &p, nil
}
