package verification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/lyzr/pevr/common/language"
)

// checkSyntax checks every file concurrently with no cap. Missing files and
// unavailable tools are skipped.
func (e *Engine) checkSyntax(ctx context.Context, root string, files []string) []string {
	results := make([][]string, len(files))

	g, gctx := errgroup.WithContext(ctx)
	for i, rel := range files {
		i, rel := i, rel
		g.Go(func() error {
			results[i] = e.checkFile(gctx, root, rel)
			return nil
		})
	}
	_ = g.Wait()

	var errs []string
	for _, r := range results {
		errs = append(errs, r...)
	}
	return errs
}

func (e *Engine) checkFile(ctx context.Context, root, rel string) []string {
	abs := filepath.Join(root, rel)
	src, err := os.ReadFile(abs)
	if err != nil {
		return nil
	}

	desc := language.ForPath(rel)
	switch desc.Checker {
	case language.CheckPythonAST:
		return parseErrors(ctx, python.GetLanguage(), src, rel)
	case language.CheckTypeScript:
		return e.checkTypeScript(ctx, root, abs, rel, src)
	case language.CheckJavaScript:
		return e.checkJavaScript(ctx, root, abs, rel, src)
	case language.CheckJSON:
		if err := json.Unmarshal(src, new(any)); err != nil {
			return []string{fmt.Sprintf("JSON error in %s: %v", rel, err)}
		}
	case language.CheckYAML:
		if err := checkYAML(src); err != nil {
			return []string{fmt.Sprintf("YAML error in %s: %v", rel, err)}
		}
	}
	return nil
}

// parseErrors parses src without executing it and reports the first error node
func parseErrors(ctx context.Context, lang *sitter.Language, src []byte, rel string) []string {
	parser := sitter.NewParser()
	parser.SetLanguage(lang)

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil
	}
	defer tree.Close()

	root := tree.RootNode()
	if !root.HasError() {
		return nil
	}
	node := firstErrorNode(root)
	if node == nil {
		return []string{fmt.Sprintf("Syntax error in %s: invalid syntax", rel)}
	}

	line := int(node.StartPoint().Row) + 1
	msg := "invalid syntax"
	if node.IsMissing() {
		msg = fmt.Sprintf("missing %s", node.Type())
	} else if snippet := strings.TrimSpace(node.Content(src)); snippet != "" {
		if len(snippet) > 50 {
			snippet = snippet[:50] + "..."
		}
		msg = fmt.Sprintf("invalid syntax near %q", snippet)
	}
	return []string{fmt.Sprintf("Syntax error in %s (line %d): %s", rel, line, msg)}
}

func firstErrorNode(node *sitter.Node) *sitter.Node {
	if node.IsError() || node.IsMissing() {
		return node
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		if found := firstErrorNode(node.Child(i)); found != nil {
			return found
		}
	}
	return nil
}

func (e *Engine) checkTypeScript(ctx context.Context, root, abs, rel string, src []byte) []string {
	out, err := runCommand(ctx, e.timeouts.TSC, root, "npx", "tsc", "--noEmit", "--allowJs",
		"--target", "ES2022", "--moduleResolution", "node", abs)
	switch {
	case errors.Is(err, ErrToolNotFound):
		lang := typescript.GetLanguage()
		if strings.HasSuffix(rel, ".tsx") {
			lang = tsx.GetLanguage()
		}
		return parseErrors(ctx, lang, src, rel)
	case err != nil:
		e.logger.Debug("tsc skipped", "file_path", rel, "error", err)
		return nil
	case out.exitCode != 0:
		msg := strings.TrimSpace(out.stdout + "\n" + out.stderr)
		return []string{fmt.Sprintf("TypeScript error in %s: %s", rel, truncate(msg, 300))}
	}
	return nil
}

func (e *Engine) checkJavaScript(ctx context.Context, root, abs, rel string, src []byte) []string {
	out, err := runCommand(ctx, e.timeouts.Node, root, "node", "--check", abs)
	switch {
	case errors.Is(err, ErrToolNotFound):
		return parseErrors(ctx, javascript.GetLanguage(), src, rel)
	case err != nil:
		e.logger.Debug("node --check skipped", "file_path", rel, "error", err)
		return nil
	case out.exitCode != 0:
		return []string{fmt.Sprintf("JS syntax error in %s: %s", rel, truncate(strings.TrimSpace(out.stderr), 200))}
	}
	return nil
}

// checkYAML decodes every document in src
func checkYAML(src []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(src))
	for {
		var doc yaml.Node
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
