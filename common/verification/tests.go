package verification

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	pytestCountRe = regexp.MustCompile(`(\d+)\s+(passed|failed|skipped|errors?)\b`)
	coverageRe    = regexp.MustCompile(`(?m)^TOTAL(?:\s+\d+)+\s+(\d+(?:\.\d+)?)%`)
	jsCountRe     = regexp.MustCompile(`(\d+)\s+(passed|failed|skipped|todo)\b`)
	jsTestsLineRe = regexp.MustCompile(`(?m)^\s*Tests:?\s+.*$`)
	vitestPassRe  = regexp.MustCompile(`✓\s+(\d+)`)
	vitestFailRe  = regexp.MustCompile(`✗\s+(\d+)`)
)

// pytest exit codes: 0 all passed, 1 failures, 5 nothing collected
const pytestNoTestsCollected = 5

func (e *Engine) runPytest(ctx context.Context, root string) testResult {
	args := []string{"-m", "pytest", "--tb=short", "--no-header", "-q", "--color=no"}
	if e.pytestCovAvailable(ctx, root) {
		args = append(args, "--cov=.", "--cov-report=term-missing")
	}
	args = append(args, root)

	out, err := runCommand(ctx, e.timeouts.Test, root, e.python, args...)
	if err == nil && out.exitCode != 0 && missingModule(out, "pytest") {
		err = fmt.Errorf("%w: pytest module for %s", ErrToolNotFound, e.python)
	}
	if err != nil {
		return e.toolFailure("pytest", err, hasPythonTests(root))
	}

	counts := parsePytestSummary(out.stdout)
	tr := testResult{
		passed:   counts["passed"],
		failed:   counts["failed"],
		skipped:  counts["skipped"],
		output:   out.stdout,
		coverage: parseCoverage(out.stdout),
	}
	tr.run = tr.passed + tr.failed + tr.skipped
	tr.ok = tr.failed == 0 && (out.exitCode == 0 || out.exitCode == pytestNoTestsCollected)
	if !tr.ok && tr.failed == 0 {
		tr.errors = append(tr.errors, fmt.Sprintf("pytest exited with code %d", out.exitCode))
	}
	if stderr := strings.TrimSpace(out.stderr); stderr != "" {
		tr.errors = append(tr.errors, truncate(stderr, 500))
	}
	return tr
}

// missingModule reports whether python failed because module is not installed
func missingModule(out *commandResult, module string) bool {
	msg := "No module named " + module
	return strings.Contains(out.stderr, msg) || strings.Contains(out.stdout, msg)
}

func (e *Engine) pytestCovAvailable(ctx context.Context, root string) bool {
	out, err := runCommand(ctx, e.timeouts.Probe, root, e.python, "-c", "import pytest_cov")
	return err == nil && out.exitCode == 0
}

// parsePytestSummary reads counts from pytest's summary line, falling back to
// per-test PASSED/FAILED markers in verbose output
func parsePytestSummary(output string) map[string]int {
	counts := map[string]int{"passed": 0, "failed": 0, "skipped": 0, "error": 0}
	for _, m := range pytestCountRe.FindAllStringSubmatch(output, -1) {
		n, _ := strconv.Atoi(m[1])
		counts[strings.TrimSuffix(m[2], "s")] = n
	}
	if counts["passed"] == 0 && counts["failed"] == 0 {
		counts["passed"] = strings.Count(output, " PASSED")
		counts["failed"] = strings.Count(output, " FAILED") + strings.Count(output, " ERROR")
	}
	return counts
}

func parseCoverage(output string) *float64 {
	m := coverageRe.FindStringSubmatch(output)
	if m == nil {
		return nil
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil
	}
	return &v
}

func (e *Engine) runNPMTest(ctx context.Context, root string) testResult {
	name, args := "npm", []string{"test", "--", "--passWithNoTests", "--no-coverage"}
	if usesVitest(root) {
		name, args = "npx", []string{"vitest", "run", "--reporter=verbose", "--passWithNoTests"}
	}

	out, err := runCommand(ctx, e.timeouts.Test, root, name, args...)
	if err != nil {
		return e.toolFailure("npm test", err, true)
	}

	passed, failed, skipped := parseJSSummary(out.stdout + "\n" + out.stderr)
	tr := testResult{
		passed:  passed,
		failed:  failed,
		skipped: skipped,
		run:     passed + failed,
		output:  out.stdout,
	}
	tr.ok = tr.failed == 0 && out.exitCode == 0
	if !tr.ok && tr.failed == 0 {
		tr.errors = append(tr.errors, fmt.Sprintf("npm test exited with code %d", out.exitCode))
	}
	return tr
}

// parseJSSummary understands the Jest ("Tests: 2 failed, 5 passed, 7 total") and
// Vitest ("Tests  2 failed | 5 passed (7)") summary lines
func parseJSSummary(output string) (passed, failed, skipped int) {
	for _, line := range jsTestsLineRe.FindAllString(output, -1) {
		for _, m := range jsCountRe.FindAllStringSubmatch(line, -1) {
			n, _ := strconv.Atoi(m[1])
			switch m[2] {
			case "passed":
				passed = n
			case "failed":
				failed = n
			case "skipped", "todo":
				skipped += n
			}
		}
	}
	if passed == 0 && failed == 0 {
		if m := vitestPassRe.FindStringSubmatch(output); m != nil {
			passed, _ = strconv.Atoi(m[1])
		}
		if m := vitestFailRe.FindStringSubmatch(output); m != nil {
			failed, _ = strconv.Atoi(m[1])
		}
	}
	return passed, failed, skipped
}

// toolFailure maps a runner that could not run to a result. A missing tool
// passes only when there are no tests to run; a timeout always fails.
func (e *Engine) toolFailure(tool string, err error, testsExist bool) testResult {
	switch {
	case errors.Is(err, ErrToolNotFound) && !testsExist:
		e.logger.Warn("test runner not found, no tests to run", "tool", tool)
		return testResult{ok: true, warnings: []string{fmt.Sprintf("%s not available", tool)}}
	case errors.Is(err, ErrToolNotFound):
		e.logger.Warn("test runner not found but tests exist", "tool", tool)
		return testResult{errors: []string{fmt.Sprintf("%s not available: %v", tool, err)}}
	case errors.Is(err, ErrToolTimeout):
		e.logger.Warn("test runner timed out", "tool", tool, "timeout", e.timeouts.Test)
		return testResult{errors: []string{fmt.Sprintf("%s timed out after %s", tool, e.timeouts.Test)}}
	default:
		e.logger.Error("test runner failed", "tool", tool, "error", err)
		return testResult{errors: []string{err.Error()}}
	}
}
