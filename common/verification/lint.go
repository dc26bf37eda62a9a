package verification

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/lyzr/pevr/common/language"
)

var (
	ruffErrorRe   = regexp.MustCompile(`\s[EF]\d{3}`)
	ruffWarningRe = regexp.MustCompile(`\sW\d{3}`)
)

const (
	ruffLineLimit   = 30
	eslintLineLimit = 10
)

var eslintConfigs = []string{
	".eslintrc.json", ".eslintrc.js", ".eslintrc.cjs", ".eslintrc.yml", ".eslintrc.yaml",
	"eslint.config.js", "eslint.config.mjs", "eslint.config.cjs",
}

// lint groups files by linter and runs each group concurrently. A missing
// linter or missing config is a skip.
func (e *Engine) lint(ctx context.Context, root string, files []string) lintResult {
	groups := map[language.Linter][]string{}
	for _, f := range files {
		if l := language.ForPath(f).Linter; l != language.LintNone {
			groups[l] = append(groups[l], f)
		}
	}

	combined := lintResult{valid: true}
	if len(groups) == 0 {
		return combined
	}

	var ruff, eslint lintResult
	g, gctx := errgroup.WithContext(ctx)
	if py := groups[language.LintRuff]; len(py) > 0 {
		g.Go(func() error {
			ruff = e.runRuff(gctx, root, py)
			return nil
		})
	}
	if js := groups[language.LintESLint]; len(js) > 0 {
		g.Go(func() error {
			eslint = e.runESLint(gctx, root, js)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range []lintResult{ruff, eslint} {
		if len(r.errors) > 0 {
			combined.valid = false
		}
		combined.errors = append(combined.errors, r.errors...)
		combined.warnings = append(combined.warnings, r.warnings...)
	}
	return combined
}

func absPaths(root string, files []string) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, filepath.Join(root, f))
	}
	return out
}

func (e *Engine) runRuff(ctx context.Context, root string, files []string) lintResult {
	res := lintResult{valid: true}
	args := append([]string{"check", "--output-format=concise", "--select=E,W,F,I", "--no-cache"}, absPaths(root, files)...)

	out, err := runCommand(ctx, e.timeouts.Ruff, root, "ruff", args...)
	switch {
	case errors.Is(err, ErrToolNotFound):
		return res
	case errors.Is(err, ErrToolTimeout):
		res.warnings = append(res.warnings, "ruff timed out")
		return res
	case err != nil:
		e.logger.Debug("ruff skipped", "error", err)
		return res
	}
	// exit 1 means findings; anything else is a ruff crash and is ignored
	if out.exitCode != 0 && out.exitCode != 1 {
		return res
	}

	lines := nonEmptyLines(out.stdout)
	if len(lines) > ruffLineLimit {
		lines = lines[:ruffLineLimit]
	}
	for _, line := range lines {
		switch {
		case ruffErrorRe.MatchString(line):
			res.errors = append(res.errors, line)
			res.valid = false
		case ruffWarningRe.MatchString(line):
			res.warnings = append(res.warnings, line)
		}
	}
	return res
}

func (e *Engine) runESLint(ctx context.Context, root string, files []string) lintResult {
	res := lintResult{valid: true}
	if !hasESLintConfig(root) {
		return res
	}

	args := append([]string{"eslint", "--format=compact"}, absPaths(root, files)...)
	out, err := runCommand(ctx, e.timeouts.ESLint, root, "npx", args...)
	if err != nil {
		e.logger.Debug("eslint skipped", "error", err)
		return res
	}

	var errs, warns []string
	for _, line := range nonEmptyLines(out.stdout) {
		switch {
		case strings.Contains(line, "Error"):
			errs = append(errs, line)
		case strings.Contains(line, "Warning"):
			warns = append(warns, line)
		}
	}
	if len(errs) > 0 {
		res.valid = false
		res.errors = head(errs, eslintLineLimit)
	} else {
		res.warnings = head(warns, eslintLineLimit)
	}
	return res
}

func hasESLintConfig(root string) bool {
	for _, name := range eslintConfigs {
		if fileExists(filepath.Join(root, name)) {
			return true
		}
	}
	return false
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}
