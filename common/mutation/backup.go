package mutation

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lyzr/pevr/common/metrics"
)

// CleanupBackups removes snapshots older than the retention window and returns how many were deleted
func (e *Engine) CleanupBackups() (int, error) {
	entries, err := os.ReadDir(e.backupDir)
	if err != nil {
		return 0, fmt.Errorf("read backup directory: %w", err)
	}

	cutoff := e.now().Add(-e.retention)
	removed := 0

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".bak") {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			e.logger.Warn("cannot stat backup", "name", entry.Name(), "error", err)
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}

		if err := os.Remove(filepath.Join(e.backupDir, entry.Name())); err != nil {
			e.logger.Warn("cannot remove backup", "name", entry.Name(), "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		metrics.BackupsPruned.Add(float64(removed))
		e.logger.Info("old backups removed", "count", removed, "retention", e.retention)
	}

	return removed, nil
}
