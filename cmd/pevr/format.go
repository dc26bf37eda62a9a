package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/lyzr/pevr/common/models"
	"github.com/lyzr/pevr/common/mutation"
	"github.com/lyzr/pevr/common/pevr"
	"github.com/lyzr/pevr/common/planning"
	"github.com/lyzr/pevr/common/reflection"
	"github.com/lyzr/pevr/common/verification"
)

var (
	// fatih/color disables these when stdout is not a TTY
	successColor = color.New(color.FgGreen, color.Bold)
	warningColor = color.New(color.FgYellow, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
	addColor     = color.New(color.FgGreen)
	removeColor  = color.New(color.FgRed)
	dimColor     = color.New(color.FgHiBlack)
)

// PrintSection prints a section header
func PrintSection(w io.Writer, title string) {
	fmt.Fprintln(w)
	_, _ = headerColor.Fprintf(w, "▸ %s\n", title)
}

// PrintSuccess prints a success message with a checkmark
func PrintSuccess(w io.Writer, msg string) {
	_, _ = successColor.Fprintf(w, "✓ %s\n", msg)
}

// PrintWarning prints a warning message with a warning symbol
func PrintWarning(w io.Writer, msg string) {
	_, _ = warningColor.Fprintf(w, "⚠ %s\n", msg)
}

// PrintError prints an error message to stderr
func PrintError(msg string) {
	_, _ = errorColor.Fprintf(os.Stderr, "✗ %s\n", msg)
}

func outputJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printPlan(w io.Writer, p *planning.Plan) {
	if p == nil {
		return
	}
	PrintSection(w, "Plan")
	fmt.Fprintf(w, "  %s\n", p.Summary)
	if p.IsFallback {
		PrintWarning(w, "fallback plan: generation did not return a usable plan")
	}
	fmt.Fprintf(w, "  complexity: %s\n\n", p.EstimatedComplexity)

	for _, s := range p.Steps {
		fmt.Fprintf(w, "  %2d. %-6s %s", s.StepNumber, s.Action, s.FilePath)
		_, _ = dimColor.Fprintf(w, "  (%s risk)\n", s.RiskLevel)
		if s.Description != "" {
			_, _ = dimColor.Fprintf(w, "      %s\n", s.Description)
		}
	}

	if len(p.Risks) > 0 {
		fmt.Fprintln(w)
		for _, r := range p.Risks {
			PrintWarning(w, r)
		}
	}
}

func printDiffs(w io.Writer, diffs []*mutation.FileDiff) {
	if len(diffs) == 0 {
		return
	}
	PrintSection(w, "Changes")

	added, removed := 0, 0
	for _, d := range diffs {
		if d == nil {
			continue
		}
		added += d.LinesAdded
		removed += d.LinesRemoved
		printDiffHeader(w, d)
		printUnifiedDiff(w, diffBody(d))
	}
	fmt.Fprintf(w, "\n  %d file%s changed, %d insertion%s(+), %d deletion%s(-)\n",
		len(diffs), plural(len(diffs)), added, plural(added), removed, plural(removed))
}

func printDiffHeader(w io.Writer, d *mutation.FileDiff) {
	fmt.Fprintln(w)
	state := "applied"
	if !d.Applied {
		state = "not applied"
	}
	_, _ = infoColor.Fprintf(w, "  %s %s", strings.ToUpper(string(d.Operation)), d.FilePath)
	_, _ = dimColor.Fprintf(w, "  +%d -%d, %s\n", d.LinesAdded, d.LinesRemoved, state)
}

// diffBody is the unified diff, or the new content as additions for creates
// that carry no diff text
func diffBody(d *mutation.FileDiff) string {
	if d.UnifiedDiff != "" {
		return d.UnifiedDiff
	}
	if d.Operation == mutation.OpCreate && d.NewContent != nil {
		lines := strings.Split(strings.TrimRight(*d.NewContent, "\n"), "\n")
		for i, l := range lines {
			lines[i] = "+" + l
		}
		return strings.Join(lines, "\n")
	}
	return ""
}

func printUnifiedDiff(w io.Writer, diffText string) {
	for _, line := range strings.Split(strings.TrimRight(diffText, "\n"), "\n") {
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "+++ "),
			strings.HasPrefix(line, "--- "):
			continue
		case strings.HasPrefix(line, "@@"):
			_, _ = infoColor.Fprintf(w, "  %s\n", line)
		case strings.HasPrefix(line, "+"):
			_, _ = addColor.Fprintf(w, "  %s\n", line)
		case strings.HasPrefix(line, "-"):
			_, _ = removeColor.Fprintf(w, "  %s\n", line)
		default:
			fmt.Fprintf(w, "  %s\n", line)
		}
	}
}

func printVerification(w io.Writer, r *verification.Report) {
	if r == nil {
		return
	}
	PrintSection(w, "Verification")

	if r.Framework != "" && r.Framework != verification.FrameworkNone {
		fmt.Fprintf(w, "  tests (%s): %d run, %d passed, %d failed, %d skipped\n",
			r.Framework, r.TestsRun, r.TestsPassed, r.TestsFailed, r.TestsSkipped)
	} else {
		_, _ = dimColor.Fprintln(w, "  no test framework detected")
	}
	if r.CoveragePercent != nil {
		fmt.Fprintf(w, "  coverage: %.1f%%\n", *r.CoveragePercent)
	}
	fmt.Fprintf(w, "  syntax: %s  lint: %s\n", validity(r.SyntaxValid), validity(r.LintValid))

	for _, e := range r.Errors {
		_, _ = errorColor.Fprintf(w, "  ✗ %s\n", e)
	}
	for _, warn := range r.Warnings {
		_, _ = warningColor.Fprintf(w, "  ⚠ %s\n", warn)
	}

	if r.Passed {
		PrintSuccess(w, "verification passed")
	} else {
		_, _ = errorColor.Fprintln(w, "✗ verification failed")
	}
}

func printReflection(w io.Writer, r *reflection.Reflection) {
	if r == nil {
		return
	}
	PrintSection(w, "Reflection")
	fmt.Fprintf(w, "  %s\n", r.Summary)
	for _, l := range r.LessonsLearned {
		fmt.Fprintf(w, "  • %s\n", l)
	}
	for _, s := range r.Suggestions {
		_, _ = dimColor.Fprintf(w, "  → %s\n", s)
	}
}

func printRollback(w io.Writer, r *mutation.RollbackResult) {
	if r == nil {
		return
	}
	PrintSection(w, "Rollback")
	if r.Success() {
		PrintSuccess(w, fmt.Sprintf("reverted %d change%s", r.Succeeded, plural(r.Succeeded)))
		return
	}
	_, _ = errorColor.Fprintf(w, "✗ %d of %d changes could not be reverted, manual intervention required\n", r.Failed, r.Total)
	for _, e := range r.Errors {
		_, _ = errorColor.Fprintf(w, "  %s: %s\n", e.FilePath, e.Message)
	}
}

// printCycle renders everything a cycle produced, then its outcome
func printCycle(w io.Writer, res *pevr.CycleResult) {
	printPlan(w, res.Plan)
	if res.Execution != nil {
		printDiffs(w, res.Execution.Diffs)
		for _, e := range res.Execution.Errors {
			_, _ = errorColor.Fprintf(w, "  ✗ %s\n", e)
		}
	}
	printVerification(w, res.Verification)
	printReflection(w, res.Reflection)
	printRollback(w, res.Rollback)

	fmt.Fprintln(w)
	phases := make([]string, 0, len(res.PhasesCompleted))
	for _, p := range res.PhasesCompleted {
		phases = append(phases, string(p))
	}
	_, _ = dimColor.Fprintf(w, "action %s  phases: %s\n", res.ActionID, strings.Join(phases, " → "))

	switch {
	case res.Success:
		PrintSuccess(w, fmt.Sprintf("cycle %s", res.Status))
	case res.RequiresApproval && res.Status == models.ActionPending:
		PrintWarning(w, "plan requires approval")
	default:
		_, _ = errorColor.Fprintf(w, "✗ cycle %s: %s\n", res.Status, res.Error)
	}
}

func validity(ok bool) string {
	if ok {
		return successColor.Sprint("ok")
	}
	return errorColor.Sprint("failed")
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
