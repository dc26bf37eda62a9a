package verification

import (
	"strings"
	"unicode/utf8"
)

// Framework identifies the detected test runner
type Framework string

const (
	FrameworkNone   Framework = ""
	FrameworkPytest Framework = "pytest"
	FrameworkNPM    Framework = "npm"
)

// Report is the aggregated verification outcome for one workspace
type Report struct {
	Passed          bool      `json:"passed"`
	TestsRun        int       `json:"tests_run"`
	TestsPassed     int       `json:"tests_passed"`
	TestsFailed     int       `json:"tests_failed"`
	TestsSkipped    int       `json:"tests_skipped"`
	Output          string    `json:"test_output"`
	SyntaxValid     bool      `json:"syntax_valid"`
	LintValid       bool      `json:"lint_valid"`
	Errors          []string  `json:"errors"`
	Warnings        []string  `json:"warnings"`
	CoveragePercent *float64  `json:"coverage_percent"`
	LintDetails     []string  `json:"lint_details"`
	Framework       Framework `json:"framework_used"`
}

// testResult is what one test runner produced
type testResult struct {
	run, passed, failed, skipped int
	output                       string
	errors                       []string
	warnings                     []string
	ok                           bool
	coverage                     *float64
}

// lintResult is the combined outcome of every linter that ran
type lintResult struct {
	valid    bool
	errors   []string
	warnings []string
}

// Limits bound what a report keeps
type Limits struct {
	Output      int
	Errors      int
	LintDetails int
}

// DefaultLimits are the storage caps applied to every report
var DefaultLimits = Limits{Output: 8000, Errors: 20, LintDetails: 10}

// aggregate folds the three check families into one report. Overall pass needs
// passing tests, valid syntax, clean lint and no error mentioning a syntax error.
func aggregate(fw Framework, tr testResult, syntaxErrs []string, lr lintResult, limits Limits) *Report {
	errs := append([]string{}, tr.errors...)
	errs = append(errs, syntaxErrs...)
	errs = append(errs, lr.errors...)
	warnings := append([]string{}, tr.warnings...)
	warnings = append(warnings, lr.warnings...)

	syntaxOK := len(syntaxErrs) == 0
	passed := tr.ok && syntaxOK && lr.valid
	for _, e := range errs {
		if strings.Contains(strings.ToLower(e), "syntax error") {
			passed = false
			break
		}
	}

	return &Report{
		Passed:          passed,
		TestsRun:        tr.run,
		TestsPassed:     tr.passed,
		TestsFailed:     tr.failed,
		TestsSkipped:    tr.skipped,
		Output:          truncate(tr.output, limits.Output),
		SyntaxValid:     syntaxOK,
		LintValid:       lr.valid,
		Errors:          head(errs, limits.Errors),
		Warnings:        head(warnings, limits.Errors),
		CoveragePercent: tr.coverage,
		LintDetails:     head(lr.errors, limits.LintDetails),
		Framework:       fw,
	}
}

// truncate cuts s to at most n bytes without splitting a character
func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func head(s []string, n int) []string {
	if s == nil {
		return []string{}
	}
	if n > 0 && len(s) > n {
		return s[:n]
	}
	return s
}
