// Package mutation computes, validates, applies and reverses file changes inside a workspace.
//
// Every disk-mutating call (Apply, Rollback) is serialized behind one lock per Engine.
// Validate and the preview helpers never take the lock and are safe for concurrent use.
package mutation

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sourcegraph/go-diff/diff"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// MissingTargetPolicy decides what BuildDiff does with a modify whose target is absent
type MissingTargetPolicy string

const (
	// DowngradeToCreate turns the modify into a create and logs a warning
	DowngradeToCreate MissingTargetPolicy = "downgrade"
	// RejectMissingTarget makes BuildDiff return ErrTargetMissing
	RejectMissingTarget MissingTargetPolicy = "reject"
)

const (
	DefaultBackupDirName    = ".pevr_backups"
	DefaultMaxFileSize      = 5 * 1024 * 1024
	DefaultLargeChangeLines = 500
	DefaultBackupRetention  = 7 * 24 * time.Hour
	diffContextLines        = 3
)

// Engine is the atomic diff engine for one workspace root
type Engine struct {
	mu sync.Mutex

	root             string
	realRoot         string
	backupDirName    string
	backupDir        string
	maxFileSize      int64
	largeChangeLines int
	missingModify    MissingTargetPolicy
	retention        time.Duration
	logger           Logger
	now              func() time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithBackupDirName sets the backup subdirectory name under the workspace root
func WithBackupDirName(name string) Option {
	return func(e *Engine) { e.backupDirName = name }
}

// WithMaxFileSize sets the new-content size ceiling
func WithMaxFileSize(n int64) Option {
	return func(e *Engine) { e.maxFileSize = n }
}

// WithLargeChangeLines sets the line-change count above which validation warns
func WithLargeChangeLines(n int) Option {
	return func(e *Engine) { e.largeChangeLines = n }
}

// WithMissingModifyPolicy sets how BuildDiff treats a modify of an absent file
func WithMissingModifyPolicy(p MissingTargetPolicy) Option {
	return func(e *Engine) { e.missingModify = p }
}

// WithBackupRetention sets how long CleanupBackups keeps snapshots
func WithBackupRetention(d time.Duration) Option {
	return func(e *Engine) { e.retention = d }
}

// WithClock overrides the time source used for timestamps and retention
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine rooted at root and makes sure the backup directory exists
func NewEngine(root string, logger Logger, opts ...Option) (*Engine, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}

	e := &Engine{
		root:             absRoot,
		backupDirName:    DefaultBackupDirName,
		maxFileSize:      DefaultMaxFileSize,
		largeChangeLines: DefaultLargeChangeLines,
		missingModify:    DowngradeToCreate,
		retention:        DefaultBackupRetention,
		logger:           logger,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.backupDir = filepath.Join(e.root, e.backupDirName)
	if err := os.MkdirAll(e.backupDir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}
	if e.realRoot, err = filepath.EvalSymlinks(e.root); err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}

	return e, nil
}

// Root returns the absolute workspace root
func (e *Engine) Root() string { return e.root }

// BackupDir returns the absolute backup directory
func (e *Engine) BackupDir() string { return e.backupDir }

// resolve maps a workspace-relative path to an absolute one.
// Symlinks that lead out of the workspace are rejected.
func (e *Engine) resolve(relPath string) (string, error) {
	if err := validateRelPath(relPath); err != nil {
		return "", err
	}
	cleaned := filepath.Clean(relPath)
	if cleaned == e.backupDirName || strings.HasPrefix(cleaned, e.backupDirName+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q is inside the backup directory", ErrPathOutsideWorkspace, relPath)
	}
	abs := filepath.Join(e.root, cleaned)
	if err := within(e.realRoot, abs); err != nil {
		return "", err
	}
	return abs, nil
}

// Read returns the current content of a workspace file, or nil when it does not exist
func (e *Engine) Read(relPath string) (*string, error) {
	abs, err := e.resolve(relPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", relPath, err)
	}
	s := string(data)
	return &s, nil
}

// BuildDiff computes a FileDiff without touching disk beyond reading the current content.
// A modify whose target is absent becomes a create under DowngradeToCreate.
func (e *Engine) BuildDiff(filePath, newContent string, op Operation, original *string) (*FileDiff, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("%w: unknown operation %q", ErrInvalidDiff, op)
	}

	abs, err := e.resolve(filePath)
	if err != nil {
		return nil, err
	}

	present, info, err := exists(abs)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", filePath, err)
	}

	if op == OpModify && !present {
		if e.missingModify == RejectMissingTarget {
			return nil, fmt.Errorf("%w: %s", ErrTargetMissing, filePath)
		}
		e.logger.Warn("modify target missing, downgrading to create", "file_path", filePath)
		op = OpCreate
	}

	d := &FileDiff{
		Operation: op,
		FilePath:  filepath.ToSlash(filepath.Clean(filePath)),
	}

	if op != OpCreate {
		switch {
		case original != nil:
			o := *original
			d.OriginalContent = &o
		case present:
			if info.IsDir() {
				return nil, fmt.Errorf("%w: %s is a directory", ErrInvalidDiff, filePath)
			}
			data, err := os.ReadFile(abs)
			if err != nil {
				return nil, fmt.Errorf("read original %s: %w", filePath, err)
			}
			o := string(data)
			d.OriginalContent = &o
		}
	}

	switch op {
	case OpCreate:
		n := newContent
		d.NewContent = &n
		d.LinesAdded = countLines(newContent)
	case OpModify:
		n := newContent
		d.NewContent = &n
		d.UnifiedDiff, d.LinesAdded, d.LinesRemoved = unifiedDiff(d.FilePath, deref(d.OriginalContent), newContent)
	case OpDelete:
		d.UnifiedDiff, d.LinesAdded, d.LinesRemoved = unifiedDiff(d.FilePath, deref(d.OriginalContent), "")
	}

	d.OriginalChecksum = checksumString(d.OriginalContent)
	d.NewChecksum = checksumString(d.NewContent)

	e.logger.Debug("diff built",
		"file_path", d.FilePath,
		"operation", d.Operation,
		"added", d.LinesAdded,
		"removed", d.LinesRemoved)

	return d, nil
}

// unifiedDiff renders a unified diff and counts changed lines
func unifiedDiff(path, before, after string) (string, int, int) {
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        toDiffLines(before),
		B:        toDiffLines(after),
		FromFile: "a/" + path,
		ToFile:   "b/" + path,
		Context:  diffContextLines,
	})
	if err != nil || text == "" {
		return text, 0, 0
	}
	added, removed := lineStats(text)
	return text, added, removed
}

// lineStats counts added and removed lines of a single-file unified diff
func lineStats(text string) (int, int) {
	fd, err := diff.ParseFileDiff([]byte(text))
	if err == nil {
		st := fd.Stat()
		return int(st.Added + st.Changed), int(st.Deleted + st.Changed)
	}

	var added, removed int
	for _, line := range strings.Split(text, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			added++
		case strings.HasPrefix(line, "-"):
			removed++
		}
	}
	return added, removed
}

const noNewlineMarker = "\\ No newline at end of file\n"

// toDiffLines keeps line terminators so a change to the final newline shows up as a changed line
func toDiffLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if last := len(lines) - 1; lines[last] == "" {
		return lines[:last]
	}
	lines[len(lines)-1] += "\n" + noNewlineMarker
	return lines
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
