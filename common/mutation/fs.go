package mutation

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Checksum returns the content hash used for integrity checks
func Checksum(content []byte) string {
	return fmt.Sprintf("sha256:%x", sha256.Sum256(content))
}

func checksumString(s *string) string {
	if s == nil {
		return ""
	}
	return Checksum([]byte(*s))
}

// validateRelPath rejects empty, absolute and traversing paths
func validateRelPath(relPath string) error {
	cleaned := filepath.Clean(relPath)

	if relPath == "" || cleaned == "." {
		return fmt.Errorf("%w: empty path", ErrPathOutsideWorkspace)
	}
	if filepath.IsAbs(cleaned) {
		return fmt.Errorf("%w: absolute path %q", ErrPathOutsideWorkspace, relPath)
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: traversal in %q", ErrPathOutsideWorkspace, relPath)
	}
	return nil
}

// within checks that path, with every symlink in its existing prefix resolved, stays under realRoot.
// Parts of path that do not exist yet are joined back lexically.
func within(realRoot, path string) error {
	existing, rest := path, ""
	for {
		_, err := os.Lstat(existing)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		rest = filepath.Join(filepath.Base(existing), rest)
		existing = parent
	}

	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve %q: %v", ErrPathOutsideWorkspace, existing, err)
	}
	rel, err := filepath.Rel(realRoot, filepath.Join(resolved, rest))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %q resolves outside the workspace", ErrPathOutsideWorkspace, path)
	}
	return nil
}

// exists reports whether path is present, without following symlinks
func exists(path string) (bool, fs.FileInfo, error) {
	info, err := os.Lstat(path)
	if err == nil {
		return true, info, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil, nil
	}
	return false, nil, err
}

// atomicWrite writes data to path through a temp file in the same directory and a rename
func atomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".pevr-tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	committed := false
	defer func() {
		if !committed {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	committed = true
	return nil
}

// countLines counts lines the way an editor does: a trailing newline does not start a new line
func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}

// splitLines splits content into lines without their terminators
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}
