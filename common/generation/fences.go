package generation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// CodeBlock is one fenced block of a markdown response
type CodeBlock struct {
	Lang    string
	Content string
}

// FencedBlocks returns every fenced code block in source, in document order
func FencedBlocks(source string) []CodeBlock {
	src := []byte(source)
	root := goldmark.DefaultParser().Parse(text.NewReader(src))

	var blocks []CodeBlock
	_ = ast.Walk(root, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fenced, ok := node.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}

		var content bytes.Buffer
		lines := fenced.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			content.Write(seg.Value(src))
		}

		blocks = append(blocks, CodeBlock{
			Lang:    strings.ToLower(string(fenced.Language(src))),
			Content: content.String(),
		})
		return ast.WalkSkipChildren, nil
	})

	return blocks
}

// DecodeJSON parses a structured response into out. Fences are stripped and,
// failing a direct parse, the outermost {...} span is tried.
func DecodeJSON(raw string, out any) error {
	clean := strings.TrimSpace(raw)
	for _, b := range FencedBlocks(raw) {
		if b.Lang == "" || b.Lang == "json" {
			clean = strings.TrimSpace(b.Content)
			break
		}
	}

	if err := json.Unmarshal([]byte(clean), out); err == nil {
		return nil
	}

	start, end := strings.Index(clean, "{"), strings.LastIndex(clean, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(clean[start:end+1]), out); err == nil {
			return nil
		}
	}

	preview := clean
	if len(preview) > 200 {
		preview = preview[:200]
	}
	return fmt.Errorf("%w: %q", ErrInvalidJSON, preview)
}
