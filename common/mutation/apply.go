package mutation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const defaultFileMode os.FileMode = 0o644

// Apply writes one diff to disk under the engine lock.
// The diff is re-validated first and an invalid diff is an error, not a warning.
// A dry run only logs what would happen.
func (e *Engine) Apply(d *FileDiff, dryRun bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if d == nil {
		return fmt.Errorf("%w: nil diff", ErrInvalidDiff)
	}
	if d.Applied {
		return fmt.Errorf("%w: %s", ErrAlreadyApplied, d.FilePath)
	}

	res := e.Validate(d)
	if !res.Valid {
		return fmt.Errorf("%w: %s", ErrInvalidDiff, strings.Join(res.Errors, "; "))
	}
	for _, w := range res.Warnings {
		e.logger.Warn("diff validation warning", "file_path", d.FilePath, "warning", w)
	}

	if dryRun {
		e.logger.Info("dry run: would apply diff",
			"file_path", d.FilePath,
			"operation", d.Operation,
			"added", d.LinesAdded,
			"removed", d.LinesRemoved)
		return nil
	}

	abs, err := e.resolve(d.FilePath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create parent directories for %s: %w", d.FilePath, err)
	}

	mode := defaultFileMode
	if d.Operation != OpCreate {
		backup, perm, err := e.createBackup(abs, d.FilePath)
		if err != nil {
			return fmt.Errorf("backup %s: %w", d.FilePath, err)
		}
		d.BackupPath = backup
		mode = perm
	}

	switch d.Operation {
	case OpCreate, OpModify:
		if err := atomicWrite(abs, []byte(deref(d.NewContent)), mode); err != nil {
			return fmt.Errorf("write %s: %w", d.FilePath, err)
		}
	case OpDelete:
		if err := os.Remove(abs); err != nil {
			return fmt.Errorf("delete %s: %w", d.FilePath, err)
		}
	}

	now := e.now().UTC()
	d.Applied = true
	d.AppliedAt = &now

	e.logger.Info("diff applied",
		"file_path", d.FilePath,
		"operation", d.Operation,
		"backup", d.BackupPath)

	return nil
}

// Rollback reverses one applied diff under the engine lock.
// Unapplied diffs are a no-op. Modify/delete restore from the backup when present,
// otherwise from the stored original; with neither, ErrNoRestoreSource is returned.
func (e *Engine) Rollback(d *FileDiff) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if d == nil || !d.Applied {
		return nil
	}

	abs, err := e.resolve(d.FilePath)
	if err != nil {
		return err
	}

	switch d.Operation {
	case OpCreate:
		present, _, err := exists(abs)
		if err != nil {
			return fmt.Errorf("stat %s: %w", d.FilePath, err)
		}
		if present {
			if err := os.Remove(abs); err != nil {
				return fmt.Errorf("remove created %s: %w", d.FilePath, err)
			}
		}

	case OpModify, OpDelete:
		if err := e.restore(abs, d); err != nil {
			return err
		}
	}

	d.Applied = false
	d.AppliedAt = nil

	e.logger.Info("diff rolled back", "file_path", d.FilePath, "operation", d.Operation)
	return nil
}

func (e *Engine) restore(abs string, d *FileDiff) error {
	if d.BackupPath != "" {
		data, err := os.ReadFile(d.BackupPath)
		if err == nil {
			perm := defaultFileMode
			if info, statErr := os.Stat(d.BackupPath); statErr == nil {
				perm = info.Mode().Perm()
			}
			if err := atomicWrite(abs, data, perm); err != nil {
				return fmt.Errorf("restore %s from backup: %w", d.FilePath, err)
			}
			return nil
		}
		e.logger.Warn("backup unreadable, falling back to stored original",
			"file_path", d.FilePath,
			"backup", d.BackupPath,
			"error", err)
	}

	if d.OriginalContent != nil {
		if err := atomicWrite(abs, []byte(*d.OriginalContent), defaultFileMode); err != nil {
			return fmt.Errorf("restore %s from stored original: %w", d.FilePath, err)
		}
		return nil
	}

	return fmt.Errorf("%w: %s", ErrNoRestoreSource, d.FilePath)
}

// createBackup snapshots abs into the backup directory.
// Names carry a timestamp and a hash of the relative path so same-named files never collide.
func (e *Engine) createBackup(abs, relPath string) (string, os.FileMode, error) {
	info, err := os.Stat(abs)
	if err != nil {
		return "", defaultFileMode, err
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return "", defaultFileMode, err
	}

	sum := sha256.Sum256([]byte(filepath.ToSlash(relPath)))
	name := fmt.Sprintf("%s.%s.%s.bak",
		filepath.Base(relPath),
		e.now().UTC().Format("20060102T150405.000000000"),
		hex.EncodeToString(sum[:])[:12])

	backupPath := filepath.Join(e.backupDir, name)
	perm := info.Mode().Perm()
	if err := atomicWrite(backupPath, data, perm); err != nil {
		return "", perm, err
	}

	e.logger.Debug("backup created", "file_path", relPath, "backup", backupPath)
	return backupPath, perm, nil
}
