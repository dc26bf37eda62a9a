// Package language maps file extensions to the handling each file type gets:
// the language id shown to the generator, the syntax checker, the linter group
// and the system prompt template.
package language

import (
	"path/filepath"
	"strings"
)

// ID identifies a source language
type ID string

const (
	Python     ID = "python"
	JavaScript ID = "javascript"
	TypeScript ID = "typescript"
	SQL        ID = "sql"
	Shell      ID = "shell"
	YAML       ID = "yaml"
	JSON       ID = "json"
	Markdown   ID = "markdown"
	HTML       ID = "html"
	CSS        ID = "css"
	TOML       ID = "toml"
	Env        ID = "env"
	Unknown    ID = "unknown"
)

// Checker names the syntax check applied to a file
type Checker string

const (
	CheckNone       Checker = ""
	CheckPythonAST  Checker = "python_ast"
	CheckTypeScript Checker = "tsc"
	CheckJavaScript Checker = "node"
	CheckJSON       Checker = "json"
	CheckYAML       Checker = "yaml"
)

// Linter names the lint group a file belongs to
type Linter string

const (
	LintNone   Linter = ""
	LintRuff   Linter = "ruff"
	LintESLint Linter = "eslint"
)

// PromptTemplate identifies the system prompt used for code generation
type PromptTemplate string

const (
	PromptPython     PromptTemplate = "python"
	PromptTypeScript PromptTemplate = "typescript"
	PromptJavaScript PromptTemplate = "javascript"
	PromptSQL        PromptTemplate = "sql"
	PromptShell      PromptTemplate = "shell"
	PromptGeneric    PromptTemplate = "generic"
)

// Descriptor is everything the engines need to know about a file type
type Descriptor struct {
	ID       ID
	Checker  Checker
	Linter   Linter
	Template PromptTemplate
}

var unknown = Descriptor{ID: Unknown, Template: PromptGeneric}

var byExtension = map[string]Descriptor{
	".py":   {ID: Python, Checker: CheckPythonAST, Linter: LintRuff, Template: PromptPython},
	".js":   {ID: JavaScript, Checker: CheckJavaScript, Linter: LintESLint, Template: PromptJavaScript},
	".jsx":  {ID: JavaScript, Checker: CheckJavaScript, Linter: LintESLint, Template: PromptJavaScript},
	".ts":   {ID: TypeScript, Checker: CheckTypeScript, Linter: LintESLint, Template: PromptTypeScript},
	".tsx":  {ID: TypeScript, Checker: CheckTypeScript, Linter: LintESLint, Template: PromptTypeScript},
	".sql":  {ID: SQL, Template: PromptSQL},
	".sh":   {ID: Shell, Template: PromptShell},
	".bash": {ID: Shell, Template: PromptShell},
	".yaml": {ID: YAML, Checker: CheckYAML, Template: PromptGeneric},
	".yml":  {ID: YAML, Checker: CheckYAML, Template: PromptGeneric},
	".json": {ID: JSON, Checker: CheckJSON, Template: PromptGeneric},
	".md":   {ID: Markdown, Template: PromptGeneric},
	".html": {ID: HTML, Template: PromptGeneric},
	".css":  {ID: CSS, Template: PromptGeneric},
	".scss": {ID: CSS, Template: PromptGeneric},
	".toml": {ID: TOML, Template: PromptGeneric},
	".env":  {ID: Env, Template: PromptGeneric},
}

// ForPath returns the descriptor for a file path, keyed by lower-cased extension.
// Unrecognised extensions get the unknown descriptor with the generic template.
func ForPath(path string) Descriptor {
	if d, ok := byExtension[strings.ToLower(filepath.Ext(path))]; ok {
		return d
	}
	return unknown
}

// Detect returns only the language id for path
func Detect(path string) ID {
	return ForPath(path).ID
}

// IsWeb reports whether the language belongs to the JS/TS family
func (id ID) IsWeb() bool {
	return id == JavaScript || id == TypeScript
}
