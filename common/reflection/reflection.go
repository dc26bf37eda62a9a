// Package reflection turns a finished cycle into lessons and keeps a per-project
// lesson store that biases future planning.
package reflection

import "strings"

// Severity grades a reflection
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Category tags a lesson
const (
	CategoryQuality      = "quality"
	CategorySecurity     = "security"
	CategoryPerformance  = "performance"
	CategoryArchitecture = "architecture"
)

// Reflection is the structured review of one cycle
type Reflection struct {
	Summary              string   `json:"summary"`
	SuccessFactors       []string `json:"success_factors"`
	FailureFactors       []string `json:"failure_factors"`
	LessonsLearned       []string `json:"lessons_learned"`
	Suggestions          []string `json:"suggestions"`
	PatternsDetected     []string `json:"patterns_detected"`
	RiskAssessment       string   `json:"risk_assessment"`
	ComplexityAssessment string   `json:"complexity_assessment"`
	CategoryTags         []string `json:"category_tags"`
	Severity             Severity `json:"severity"`
	Heuristic            bool     `json:"heuristic,omitempty"`
	Error                string   `json:"error,omitempty"`
}

// Succeeded reports whether the reflection counts as a success for the store counters
func (r *Reflection) Succeeded() bool {
	return len(r.FailureFactors) == 0 && r.Severity != SeverityCritical
}

// Category is the first category tag, or quality
func (r *Reflection) Category() string {
	if len(r.CategoryTags) > 0 && strings.TrimSpace(r.CategoryTags[0]) != "" {
		return r.CategoryTags[0]
	}
	return CategoryQuality
}

// Failed is the minimal payload used when reflection itself breaks
func Failed(err error) *Reflection {
	return &Reflection{
		Summary:  "Reflection failed",
		Severity: SeverityInfo,
		Error:    err.Error(),
	}
}

// normalize fills defaults for fields a model omitted
func (r *Reflection) normalize() {
	if strings.TrimSpace(r.Summary) == "" {
		r.Summary = "Reflection generated"
	}
	for _, l := range []*[]string{&r.SuccessFactors, &r.FailureFactors, &r.LessonsLearned,
		&r.Suggestions, &r.PatternsDetected, &r.CategoryTags} {
		if *l == nil {
			*l = []string{}
		}
	}
	switch r.Severity {
	case SeverityInfo, SeverityWarning, SeverityCritical:
	default:
		r.Severity = SeverityInfo
	}
}

// Cycle is the outcome of a cycle as seen by reflection
type Cycle struct {
	ProjectID  string
	ActionID   string
	Intent     string
	Complexity string
	Steps      int
	NewFiles   int
	Modified   int
	Risks      []string

	ExecutionSuccess bool
	FilesCreated     int
	FilesModified    int
	ExecutionErrors  []string

	VerificationRan    bool
	VerificationPassed bool
	TestsRun           int
	TestsPassed        int
	TestsFailed        int
	SyntaxValid        bool
	LintValid          bool
	CoveragePercent    *float64
	VerificationErrors []string
}
