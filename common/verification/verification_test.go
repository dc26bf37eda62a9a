package verification

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/pevr/common/logger"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		abs := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
		require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	}
}

func TestVerifyNoFrameworkNoErrorsPasses(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"config.json": `{"debug": true}`,
		"deploy.yaml": "replicas: 2\n---\nkind: Service\n",
		"README.md":   "# hello",
	})

	report, err := NewEngine(logger.Discard()).Verify(context.Background(), root,
		[]string{"config.json", "deploy.yaml", "README.md", "deleted.json"})
	require.NoError(t, err)

	assert.True(t, report.Passed)
	assert.Equal(t, 0, report.TestsRun)
	assert.Equal(t, FrameworkNone, report.Framework)
	assert.True(t, report.SyntaxValid)
	assert.True(t, report.LintValid)
	assert.Empty(t, report.Errors)
	assert.Nil(t, report.CoveragePercent)
}

func TestVerifyReportsSyntaxErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{"python", "app/bad.py", "def broken(:\n    pass\n", "Syntax error in app/bad.py"},
		{"json", "bad.json", `{"a": }`, "JSON error in bad.json"},
		{"yaml", "bad.yml", "items: [1, 2\n", "YAML error in bad.yml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			writeFiles(t, root, map[string]string{tt.file: tt.content})

			report, err := NewEngine(logger.Discard()).Verify(context.Background(), root, []string{tt.file})
			require.NoError(t, err)
			assert.False(t, report.Passed)
			assert.False(t, report.SyntaxValid)
			require.NotEmpty(t, report.Errors)
			assert.Contains(t, report.Errors[0], tt.want)
		})
	}
}

func TestVerifyMissingWorkspace(t *testing.T) {
	_, err := NewEngine(logger.Discard()).Verify(context.Background(), filepath.Join(t.TempDir(), "nope"), nil)
	assert.Error(t, err)
}

func TestDetectFramework(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
		want  Framework
	}{
		{"empty", nil, FrameworkNone},
		{"pytest.ini", map[string]string{"pytest.ini": "[pytest]\n"}, FrameworkPytest},
		{"pyproject", map[string]string{"pyproject.toml": "[tool.pytest.ini_options]\naddopts = \"-q\"\n"}, FrameworkPytest},
		{"pyproject without pytest", map[string]string{"pyproject.toml": "[tool.black]\n"}, FrameworkNone},
		{"setup.cfg", map[string]string{"setup.cfg": "[tool:pytest]\n"}, FrameworkPytest},
		{"test file", map[string]string{"tests/test_api.py": "def test_x(): pass\n"}, FrameworkPytest},
		{"vendored tests ignored", map[string]string{"node_modules/pkg/test_x.py": ""}, FrameworkNone},
		{"npm script", map[string]string{"package.json": `{"scripts": {"test": "jest"}}`}, FrameworkNPM},
		{"npm without test", map[string]string{"package.json": `{"scripts": {"build": "tsc"}}`}, FrameworkNone},
		{"broken manifest", map[string]string{"package.json": `{`}, FrameworkNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			writeFiles(t, root, tt.files)
			assert.Equal(t, tt.want, DetectFramework(root))
		})
	}
}

func TestParsePytestSummary(t *testing.T) {
	counts := parsePytestSummary("..F.F.s\n=== 2 failed, 3 passed, 1 skipped in 0.12s ===\n")
	assert.Equal(t, 3, counts["passed"])
	assert.Equal(t, 2, counts["failed"])
	assert.Equal(t, 1, counts["skipped"])

	counts = parsePytestSummary("test_a.py::test_one PASSED\ntest_a.py::test_two FAILED\ntest_a.py::test_three ERROR\n")
	assert.Equal(t, 1, counts["passed"])
	assert.Equal(t, 2, counts["failed"])
}

func TestParseCoverage(t *testing.T) {
	cov := parseCoverage("Name    Stmts   Miss  Cover\n-----\nTOTAL     120     30    75%\n")
	require.NotNil(t, cov)
	assert.InDelta(t, 75.0, *cov, 0.001)

	cov = parseCoverage("TOTAL   10   2   4   1   80%\n")
	require.NotNil(t, cov)
	assert.InDelta(t, 80.0, *cov, 0.001)

	assert.Nil(t, parseCoverage("no coverage here"))
}

func TestParseJSSummary(t *testing.T) {
	passed, failed, skipped := parseJSSummary("Test Suites: 1 failed, 1 total\nTests:       2 failed, 1 skipped, 5 passed, 8 total\n")
	assert.Equal(t, 5, passed)
	assert.Equal(t, 2, failed)
	assert.Equal(t, 1, skipped)

	passed, failed, _ = parseJSSummary(" Test Files  1 failed (1)\n      Tests  1 failed | 4 passed (5)\n")
	assert.Equal(t, 4, passed)
	assert.Equal(t, 1, failed)
}

func TestAggregate(t *testing.T) {
	manyErrors := make([]string, 25)
	for i := range manyErrors {
		manyErrors[i] = fmt.Sprintf("lint %d", i)
	}

	r := aggregate(FrameworkPytest,
		testResult{ok: true, run: 3, passed: 3, output: strings.Repeat("x", 9000)},
		nil,
		lintResult{valid: false, errors: manyErrors},
		DefaultLimits)
	assert.False(t, r.Passed)
	assert.True(t, r.SyntaxValid)
	assert.Len(t, r.Output, 8000)
	assert.Len(t, r.Errors, 20)
	assert.Len(t, r.LintDetails, 10)

	r = aggregate(FrameworkPytest,
		testResult{ok: true, errors: []string{"E   SyntaxError: invalid syntax"}},
		nil, lintResult{valid: true}, DefaultLimits)
	assert.True(t, r.Passed, "marker match is on the phrase, not the class name")

	r = aggregate(FrameworkPytest,
		testResult{ok: true, errors: []string{"collection: Syntax Error in conftest"}},
		nil, lintResult{valid: true}, DefaultLimits)
	assert.False(t, r.Passed)
}

func TestMissingRunnerDependsOnTestsExisting(t *testing.T) {
	eng := NewEngine(logger.Discard(), WithPython("pevr-no-such-python"))

	root := t.TempDir()
	writeFiles(t, root, map[string]string{"pytest.ini": "[pytest]\n"})
	report, err := eng.Verify(context.Background(), root, nil)
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.NotEmpty(t, report.Warnings)

	writeFiles(t, root, map[string]string{"test_api.py": "def test_ok():\n    assert True\n"})
	report, err = eng.Verify(context.Background(), root, nil)
	require.NoError(t, err)
	assert.False(t, report.Passed)
	require.NotEmpty(t, report.Errors)
	assert.Contains(t, report.Errors[0], "pytest not available")
}

func TestMissingPytestModuleCountsAsMissingRunner(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	python := filepath.Join(t.TempDir(), "python")
	script := "#!/bin/sh\n" +
		"case \"$*\" in\n" +
		"  *\"-m pytest\"*) echo \"python: No module named pytest\" >&2; exit 1 ;;\n" +
		"  *) exit 1 ;;\n" +
		"esac\n"
	require.NoError(t, os.WriteFile(python, []byte(script), 0o755))
	eng := NewEngine(logger.Discard(), WithPython(python))

	tests := []struct {
		name   string
		files  map[string]string
		passed bool
	}{
		{"no tests", map[string]string{"pytest.ini": "[pytest]\n"}, true},
		{"tests present", map[string]string{"pytest.ini": "[pytest]\n", "test_api.py": "def test_ok():\n    assert True\n"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			writeFiles(t, root, tt.files)

			report, err := eng.Verify(context.Background(), root, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.passed, report.Passed)
			assert.Zero(t, report.TestsFailed)

			all := strings.Join(append(append([]string{}, report.Errors...), report.Warnings...), "\n")
			assert.Contains(t, all, "pytest not available")
			assert.NotContains(t, all, "exited with code")
		})
	}
}

func TestRunCommand(t *testing.T) {
	_, err := runCommand(context.Background(), time.Second, t.TempDir(), "pevr-no-such-tool")
	assert.ErrorIs(t, err, ErrToolNotFound)

	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	_, err = runCommand(context.Background(), 50*time.Millisecond, t.TempDir(), "sleep", "5")
	assert.ErrorIs(t, err, ErrToolTimeout)

	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	out, err := runCommand(context.Background(), 5*time.Second, t.TempDir(), "sh", "-c", "echo hi; exit 3")
	require.NoError(t, err)
	assert.Equal(t, 3, out.exitCode)
	assert.Equal(t, "hi\n", out.stdout)
}

func TestPytestFailuresFailVerification(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	if err := exec.Command("python3", "-m", "pytest", "--version").Run(); err != nil {
		t.Skip("pytest not available")
	}

	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"test_math.py": `def test_a():
    assert 1 + 1 == 2

def test_b():
    assert 2 * 2 == 4

def test_c():
    assert 3 - 1 == 2

def test_d():
    assert 1 == 2

def test_e():
    assert "a" == "b"
`,
	})

	report, err := NewEngine(logger.Discard()).Verify(context.Background(), root, nil)
	require.NoError(t, err)
	assert.Equal(t, FrameworkPytest, report.Framework)
	assert.Equal(t, 5, report.TestsRun)
	assert.Equal(t, 2, report.TestsFailed)
	assert.Equal(t, 3, report.TestsPassed)
	assert.False(t, report.Passed)
}

func TestTruncateKeepsCharactersWhole(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"no limit", "ÿÿ", 0, "ÿÿ"},
		{"fits", "ÿÿ", 4, "ÿÿ"},
		{"cut inside rune", "ÿÿ", 3, "ÿ"},
		{"cut inside first rune", "€", 2, ""},
		{"traceback", "Error: ñame → boom", 14, "Error: ñame "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.in, tt.n)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}
