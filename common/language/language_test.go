package language

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestForPath(t *testing.T) {
	tests := []struct {
		path     string
		id       ID
		checker  Checker
		linter   Linter
		template PromptTemplate
	}{
		{"app/main.py", Python, CheckPythonAST, LintRuff, PromptPython},
		{"web/App.TSX", TypeScript, CheckTypeScript, LintESLint, PromptTypeScript},
		{"web/index.jsx", JavaScript, CheckJavaScript, LintESLint, PromptJavaScript},
		{"db/001_init.sql", SQL, CheckNone, LintNone, PromptSQL},
		{"scripts/run.bash", Shell, CheckNone, LintNone, PromptShell},
		{"deploy/values.yml", YAML, CheckYAML, LintNone, PromptGeneric},
		{"package.json", JSON, CheckJSON, LintNone, PromptGeneric},
		{".env", Env, CheckNone, LintNone, PromptGeneric},
		{"Makefile", Unknown, CheckNone, LintNone, PromptGeneric},
		{"main.go", Unknown, CheckNone, LintNone, PromptGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			d := ForPath(tt.path)
			assert.Equal(t, tt.id, d.ID)
			assert.Equal(t, tt.checker, d.Checker)
			assert.Equal(t, tt.linter, d.Linter)
			assert.Equal(t, tt.template, d.Template)
		})
	}
}

func TestIsWeb(t *testing.T) {
	assert.True(t, TypeScript.IsWeb())
	assert.True(t, JavaScript.IsWeb())
	assert.False(t, Python.IsWeb())
}
