package execution

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/lyzr/pevr/common/language"
	"github.com/lyzr/pevr/common/planning"
)

var systemPrompts = map[language.PromptTemplate]string{
	language.PromptPython: `You are a principal Python engineer. Generate production-quality Python code.

Standards:
- Python 3.11+ syntax; use ` + "`from __future__ import annotations`" + `
- Type hints on every function signature; prefer ` + "`X | Y`" + ` over ` + "`Optional[X]`" + `
- Pydantic v2 models when defining data structures
- The logging module or loguru for logging, never print
- async/await for all I/O
- Google style docstrings on public functions and classes
- Comprehensive error handling; never swallow exceptions silently
- Follow PEP 8; max line length 99

Output ONLY the Python source, no markdown fences, no prose.`,

	language.PromptTypeScript: `You are a principal TypeScript / React engineer. Generate production-quality code.

Standards:
- Strict TypeScript, no any; use unknown plus type guards instead
- React functional components with explicit prop interfaces
- async/await; no .then() chains
- Tailwind CSS classes for styling (no inline styles)
- zod for runtime validation where appropriate
- JSDoc on exported symbols
- Named exports preferred; default export only for page/route components

Output ONLY the TypeScript/TSX source, no markdown fences, no prose.`,

	language.PromptJavaScript: `You are a principal JavaScript/React engineer. Generate production-quality code.

Standards:
- ES2022+ syntax (optional chaining, nullish coalescing, logical assignment)
- Functional React components; use hooks
- async/await for all async operations
- JSDoc type annotations
- Named exports preferred

Output ONLY the JavaScript/JSX source, no markdown fences, no prose.`,

	language.PromptSQL: `You are a database engineer. Generate clean, well-commented SQL.

Standards:
- Use standard ANSI SQL where possible; note dialect-specific syntax
- Include IF NOT EXISTS guards for DDL
- Add indexes for foreign keys and common query columns
- Use BIGSERIAL / BIGINT for primary keys
- Never use SELECT *; always list columns

Output ONLY SQL, no markdown fences, no prose.`,

	language.PromptShell: `You are a DevOps engineer. Generate safe, portable shell scripts.

Standards:
- #!/usr/bin/env bash shebang
- set -euo pipefail at the top
- Quote all variables: "$VAR"
- Provide usage() and argument validation
- Prefer [[ ]] over [ ]

Output ONLY the shell script, no markdown fences, no prose.`,

	language.PromptGeneric: `You are a senior engineer. Generate clean, well-documented code following the
conventions of the file's language. Include all necessary structure and comments.

Output ONLY the source, no markdown fences, no prose.`,
}

func systemPromptFor(t language.PromptTemplate) string {
	if p, ok := systemPrompts[t]; ok {
		return p
	}
	return systemPrompts[language.PromptGeneric]
}

func buildCreatePrompt(step planning.Step, lang language.ID, plan *planning.Plan) string {
	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	techStack := plan.TechStack
	if techStack == "" {
		techStack = "unknown"
	}

	line("## FILE TO CREATE: %s", step.FilePath)
	line("Language : %s", lang)
	line("Tech stack: %s", techStack)
	line("")
	line("## IMPLEMENTATION GOAL")
	line("%s", step.CodeIntent)

	if step.Description != "" {
		line("")
		line("Details: %s", step.Description)
	}

	if imports := plan.ImportsNeeded[step.FilePath]; len(imports) > 0 {
		line("")
		line("Required imports:")
		for _, imp := range imports {
			line("  %s", imp)
		}
	}

	switch {
	case lang == language.Python && len(plan.NewDependencies.Python) > 0:
		line("")
		line("Available packages: %s", strings.Join(plan.NewDependencies.Python, ", "))
	case lang.IsWeb() && len(plan.NewDependencies.NPM) > 0:
		line("")
		line("Available packages: %s", strings.Join(plan.NewDependencies.NPM, ", "))
	}

	line("")
	line("## REQUIREMENTS")
	line("- Complete, working implementation (no TODO stubs)")
	line("- All necessary imports")
	line("- Proper error handling")
	line("- Docstrings / JSDoc")
	line("- Follow language best practices")
	line("")
	b.WriteString("Output ONLY the source code.")
	return b.String()
}

func buildModifyPrompt(step planning.Step, lang language.ID, original string, contextLines int) string {
	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	line("## FILE TO MODIFY: %s", step.FilePath)
	line("Language : %s", lang)
	line("")
	line("## EXISTING CODE")
	line("```")
	line("%s", trimContext(original, contextLines))
	line("```")
	line("")
	line("## MODIFICATION REQUIRED")
	line("%s", step.CodeIntent)

	if step.Description != "" {
		line("")
		line("Details: %s", step.Description)
	}

	line("")
	line("## REQUIREMENTS")
	line("- Preserve all existing functionality")
	line("- Add necessary imports")
	line("- Maintain consistent code style")
	line("- Output the COMPLETE modified file (not just the diff)")
	line("")
	b.WriteString("Output ONLY the source code.")
	return b.String()
}

// trimContext keeps the head and tail of a large file and elides the middle.
// The budget is measured in characters at roughly 80 per line.
func trimContext(original string, contextLines int) string {
	if len(original) <= contextLines*80 {
		return original
	}
	headEnd, tailStart := contextLines*40, len(original)-contextLines*10
	for headEnd > 0 && !utf8.RuneStart(original[headEnd]) {
		headEnd--
	}
	for tailStart < len(original) && !utf8.RuneStart(original[tailStart]) {
		tailStart++
	}
	return original[:headEnd] +
		fmt.Sprintf("\n\n# ... (truncated: %d total chars) ...\n\n", len(original)) +
		original[tailStart:]
}
