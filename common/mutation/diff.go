package mutation

import (
	"errors"
	"time"
)

// Operation is the kind of change a FileDiff makes
type Operation string

const (
	OpCreate Operation = "create"
	OpModify Operation = "modify"
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of the known operations
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpModify, OpDelete:
		return true
	}
	return false
}

var (
	// ErrInvalidDiff is returned when a diff fails validation at apply time
	ErrInvalidDiff = errors.New("invalid diff")
	// ErrNoRestoreSource is returned when a rollback has neither a backup nor a stored original
	ErrNoRestoreSource = errors.New("no backup and no stored original to restore from")
	// ErrPathOutsideWorkspace is returned for absolute or escaping paths
	ErrPathOutsideWorkspace = errors.New("path outside workspace")
	// ErrTargetMissing is returned by BuildDiff when a modify target is absent and downgrades are disabled
	ErrTargetMissing = errors.New("modify target does not exist")
	// ErrAlreadyApplied is returned when applying a diff twice
	ErrAlreadyApplied = errors.New("diff already applied")
)

// FileDiff is a pending or applied single-file change.
// Checksums are computed once by BuildDiff and never recomputed.
type FileDiff struct {
	Operation        Operation  `json:"operation"`
	FilePath         string     `json:"file_path"`
	OriginalContent  *string    `json:"original_content,omitempty"`
	NewContent       *string    `json:"new_content,omitempty"`
	UnifiedDiff      string     `json:"unified_diff,omitempty"`
	LinesAdded       int        `json:"lines_added"`
	LinesRemoved     int        `json:"lines_removed"`
	OriginalChecksum string     `json:"original_checksum,omitempty"`
	NewChecksum      string     `json:"new_checksum,omitempty"`
	Applied          bool       `json:"applied"`
	BackupPath       string     `json:"backup_path,omitempty"`
	AppliedAt        *time.Time `json:"applied_at,omitempty"`
}

// TotalLineChanges is additions plus deletions
func (d *FileDiff) TotalLineChanges() int {
	return d.LinesAdded + d.LinesRemoved
}

// ValidationResult is the outcome of validating a diff against the workspace
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (r *ValidationResult) fail(msg string) {
	r.Valid = false
	r.Errors = append(r.Errors, msg)
}

func (r *ValidationResult) warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// ItemError describes a failure of one diff inside a batch
type ItemError struct {
	Index    int    `json:"index"`
	FilePath string `json:"file_path"`
	Message  string `json:"message"`
}

// ApplyResult is the aggregate outcome of ApplyBatch
type ApplyResult struct {
	Total      int         `json:"total"`
	Succeeded  int         `json:"succeeded"`
	Failed     int         `json:"failed"`
	RolledBack int         `json:"rolled_back"`
	Errors     []ItemError `json:"errors,omitempty"`
}

// Success reports whether no item failed
func (r *ApplyResult) Success() bool { return r.Failed == 0 }

// RollbackResult is the aggregate outcome of RollbackBatch
type RollbackResult struct {
	Total     int         `json:"total"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	Errors    []ItemError `json:"errors,omitempty"`
}

// Success reports whether every item was reversed
func (r *RollbackResult) Success() bool { return r.Failed == 0 }
