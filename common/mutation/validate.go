package mutation

import (
	"fmt"
	"os"
)

// Validate checks a diff against the current workspace. It only stats and reads files.
//
// Hard failures: create over an existing path, modify/delete of an absent path,
// new content above the size ceiling. Warnings: on-disk content no longer matching
// the original checksum (stale base), and very large line-change counts.
func (e *Engine) Validate(d *FileDiff) ValidationResult {
	res := ValidationResult{Valid: true}

	if d == nil {
		res.fail("nil diff")
		return res
	}

	if !d.Operation.Valid() {
		res.fail(fmt.Sprintf("unknown operation %q", d.Operation))
		return res
	}

	abs, err := e.resolve(d.FilePath)
	if err != nil {
		res.fail(err.Error())
		return res
	}

	present, info, err := exists(abs)
	if err != nil {
		res.fail(fmt.Sprintf("cannot stat %s: %v", d.FilePath, err))
		return res
	}

	switch d.Operation {
	case OpCreate:
		if present {
			res.fail(fmt.Sprintf("cannot create %s: file already exists", d.FilePath))
		}
	case OpModify, OpDelete:
		switch {
		case !present:
			res.fail(fmt.Sprintf("cannot %s %s: file does not exist", d.Operation, d.FilePath))
		case info.IsDir():
			res.fail(fmt.Sprintf("cannot %s %s: path is a directory", d.Operation, d.FilePath))
		case d.OriginalChecksum != "":
			if current, err := os.ReadFile(abs); err == nil && Checksum(current) != d.OriginalChecksum {
				res.warn(fmt.Sprintf("%s changed on disk since the diff was built (stale base)", d.FilePath))
			}
		}
	}

	if d.NewContent != nil && int64(len(*d.NewContent)) > e.maxFileSize {
		res.fail(fmt.Sprintf("new content for %s is %d bytes, above the %d byte limit",
			d.FilePath, len(*d.NewContent), e.maxFileSize))
	}

	if total := d.TotalLineChanges(); total > e.largeChangeLines {
		res.warn(fmt.Sprintf("large change to %s: %d lines", d.FilePath, total))
	}

	return res
}
