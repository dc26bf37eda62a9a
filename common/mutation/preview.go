package mutation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"
)

const (
	previewCreateChars = 800
	previewRule        = "=============================================================="
)

// PreviewText renders a human-readable summary of a diff from its stored fields
func PreviewText(d *FileDiff) string {
	lines := []string{
		previewRule,
		fmt.Sprintf("Operation : %s", strings.ToUpper(string(d.Operation))),
		fmt.Sprintf("File      : %s", d.FilePath),
		fmt.Sprintf("Changes   : +%d / -%d", d.LinesAdded, d.LinesRemoved),
		previewRule,
	}

	switch {
	case d.UnifiedDiff != "":
		lines = append(lines, "", d.UnifiedDiff)
	case d.Operation == OpCreate && d.NewContent != nil && *d.NewContent != "":
		content := *d.NewContent
		if len(content) > previewCreateChars {
			cut := previewCreateChars
			for cut > 0 && !utf8.RuneStart(content[cut]) {
				cut--
			}
			lines = append(lines, "", content[:cut], fmt.Sprintf("\n... (%d total chars)", len(content)))
		} else {
			lines = append(lines, "", content)
		}
	}

	return strings.Join(lines, "\n")
}

// RowTag classifies a side-by-side row
type RowTag string

const (
	RowEqual   RowTag = "equal"
	RowReplace RowTag = "replace"
	RowInsert  RowTag = "insert"
	RowDelete  RowTag = "delete"
)

// SideBySideRow is one aligned line pair. A zero line number means no line on that side.
type SideBySideRow struct {
	Tag     RowTag `json:"tag"`
	LeftNo  int    `json:"left_no,omitempty"`
	Left    string `json:"left"`
	RightNo int    `json:"right_no,omitempty"`
	Right   string `json:"right"`
}

// SideBySideHunk is a group of rows with surrounding context
type SideBySideHunk struct {
	Rows []SideBySideRow `json:"rows"`
}

// SideBySide is the structured before/after view of a diff
type SideBySide struct {
	FilePath  string           `json:"file_path"`
	Operation Operation        `json:"operation"`
	Hunks     []SideBySideHunk `json:"hunks"`
}

// PreviewSideBySide aligns original and new content with three lines of context
func PreviewSideBySide(d *FileDiff) SideBySide {
	out := SideBySide{FilePath: d.FilePath, Operation: d.Operation}

	before := splitLines(deref(d.OriginalContent))
	after := splitLines(deref(d.NewContent))
	if len(before) == 0 && len(after) == 0 {
		return out
	}

	m := difflib.NewMatcher(before, after)
	for _, group := range m.GetGroupedOpCodes(diffContextLines) {
		var hunk SideBySideHunk
		for _, op := range group {
			hunk.Rows = append(hunk.Rows, rowsFor(op, before, after)...)
		}
		out.Hunks = append(out.Hunks, hunk)
	}

	return out
}

func rowsFor(op difflib.OpCode, before, after []string) []SideBySideRow {
	var rows []SideBySideRow

	switch op.Tag {
	case 'e':
		for k := 0; k < op.I2-op.I1; k++ {
			rows = append(rows, SideBySideRow{
				Tag:     RowEqual,
				LeftNo:  op.I1 + k + 1,
				Left:    before[op.I1+k],
				RightNo: op.J1 + k + 1,
				Right:   after[op.J1+k],
			})
		}
	case 'd':
		for i := op.I1; i < op.I2; i++ {
			rows = append(rows, SideBySideRow{Tag: RowDelete, LeftNo: i + 1, Left: before[i]})
		}
	case 'i':
		for j := op.J1; j < op.J2; j++ {
			rows = append(rows, SideBySideRow{Tag: RowInsert, RightNo: j + 1, Right: after[j]})
		}
	case 'r':
		n := max(op.I2-op.I1, op.J2-op.J1)
		for k := 0; k < n; k++ {
			row := SideBySideRow{Tag: RowReplace}
			if i := op.I1 + k; i < op.I2 {
				row.LeftNo, row.Left = i+1, before[i]
			}
			if j := op.J1 + k; j < op.J2 {
				row.RightNo, row.Right = j+1, after[j]
			}
			rows = append(rows, row)
		}
	}

	return rows
}
