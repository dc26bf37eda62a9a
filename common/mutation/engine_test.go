package mutation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lyzr/pevr/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, opts ...Option) (*Engine, string) {
	t.Helper()
	root := t.TempDir()
	e, err := NewEngine(root, logger.Discard(), opts...)
	require.NoError(t, err)
	return e, root
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

func readFile(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, rel))
	require.NoError(t, err)
	return string(data)
}

func TestModifyApplyAndRollback(t *testing.T) {
	e, root := newTestEngine(t)
	writeFile(t, root, "a.py", "x = 1\n")

	d, err := e.BuildDiff("a.py", "x = 2\n", OpModify, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, d.LinesAdded)
	assert.Equal(t, 1, d.LinesRemoved)
	assert.Contains(t, d.UnifiedDiff, "-x = 1")
	assert.Contains(t, d.UnifiedDiff, "+x = 2")
	assert.Equal(t, Checksum([]byte("x = 1\n")), d.OriginalChecksum)

	require.NoError(t, e.Apply(d, false))
	assert.True(t, d.Applied)
	assert.NotNil(t, d.AppliedAt)
	assert.NotEmpty(t, d.BackupPath)
	assert.FileExists(t, d.BackupPath)
	assert.Equal(t, "x = 2\n", readFile(t, root, "a.py"))

	require.NoError(t, e.Rollback(d))
	assert.False(t, d.Applied)
	restored := readFile(t, root, "a.py")
	assert.Equal(t, "x = 1\n", restored)
	assert.Equal(t, d.OriginalChecksum, Checksum([]byte(restored)))
}

func TestCreateRollbackRemovesOnlyTheFile(t *testing.T) {
	e, root := newTestEngine(t)

	d, err := e.BuildDiff("new/deep/file.py", "pass", OpCreate, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, d.LinesAdded)
	assert.Empty(t, d.BackupPath)

	require.NoError(t, e.Apply(d, false))
	assert.Equal(t, "pass", readFile(t, root, "new/deep/file.py"))

	require.NoError(t, e.Rollback(d))
	assert.NoFileExists(t, filepath.Join(root, "new/deep/file.py"))
	assert.DirExists(t, filepath.Join(root, "new/deep"))
}

func TestDeleteApplyAndRollback(t *testing.T) {
	e, root := newTestEngine(t)
	writeFile(t, root, "old.txt", "line1\nline2\n")

	d, err := e.BuildDiff("old.txt", "", OpDelete, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, d.LinesRemoved)
	assert.Nil(t, d.NewContent)

	require.NoError(t, e.Apply(d, false))
	assert.NoFileExists(t, filepath.Join(root, "old.txt"))

	require.NoError(t, e.Rollback(d))
	assert.Equal(t, "line1\nline2\n", readFile(t, root, "old.txt"))
}

func TestValidateRejections(t *testing.T) {
	e, root := newTestEngine(t)
	writeFile(t, root, "exists.py", "a = 1\n")

	content := "b"
	tests := []struct {
		name string
		diff *FileDiff
	}{
		{"create over existing", &FileDiff{Operation: OpCreate, FilePath: "exists.py", NewContent: &content}},
		{"modify absent", &FileDiff{Operation: OpModify, FilePath: "missing.py", NewContent: &content}},
		{"delete absent", &FileDiff{Operation: OpDelete, FilePath: "missing.py"}},
		{"absolute path", &FileDiff{Operation: OpCreate, FilePath: "/etc/passwd", NewContent: &content}},
		{"traversal", &FileDiff{Operation: OpCreate, FilePath: "../escape.py", NewContent: &content}},
		{"backup dir", &FileDiff{Operation: OpCreate, FilePath: DefaultBackupDirName + "/x.bak", NewContent: &content}},
		{"unknown op", &FileDiff{Operation: "rename", FilePath: "exists.py"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Validate(tt.diff)
			assert.False(t, res.Valid)
			assert.NotEmpty(t, res.Errors)

			err := e.Apply(tt.diff, false)
			assert.ErrorIs(t, err, ErrInvalidDiff)
		})
	}

	assert.Equal(t, "a = 1\n", readFile(t, root, "exists.py"))
}

func TestSizeCeilingAppliesToEveryOperation(t *testing.T) {
	e, root := newTestEngine(t, WithMaxFileSize(10))
	writeFile(t, root, "small.txt", "ok\n")

	big := strings.Repeat("x", 11)
	for _, op := range []Operation{OpCreate, OpModify} {
		path := "small.txt"
		if op == OpCreate {
			path = "fresh.txt"
		}
		d := &FileDiff{Operation: op, FilePath: path, NewContent: &big}
		res := e.Validate(d)
		assert.False(t, res.Valid, "operation %s", op)
		assert.Contains(t, strings.Join(res.Errors, " "), "byte limit")
	}

	exact := strings.Repeat("x", 10)
	res := e.Validate(&FileDiff{Operation: OpCreate, FilePath: "fresh.txt", NewContent: &exact})
	assert.True(t, res.Valid)
}

func TestStaleBaseIsWarning(t *testing.T) {
	e, root := newTestEngine(t)
	writeFile(t, root, "a.py", "x = 1\n")

	d, err := e.BuildDiff("a.py", "x = 2\n", OpModify, nil)
	require.NoError(t, err)

	writeFile(t, root, "a.py", "x = 99\n")

	res := e.Validate(d)
	assert.True(t, res.Valid)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "stale base")
}

func TestLargeChangeIsWarning(t *testing.T) {
	e, _ := newTestEngine(t, WithLargeChangeLines(3))

	d, err := e.BuildDiff("big.py", "a\nb\nc\nd\ne\n", OpCreate, nil)
	require.NoError(t, err)

	res := e.Validate(d)
	assert.True(t, res.Valid)
	assert.Len(t, res.Warnings, 1)
}

func TestMissingModifyPolicy(t *testing.T) {
	t.Run("downgrade", func(t *testing.T) {
		e, _ := newTestEngine(t)
		d, err := e.BuildDiff("ghost.py", "pass\n", OpModify, nil)
		require.NoError(t, err)
		assert.Equal(t, OpCreate, d.Operation)
		assert.Nil(t, d.OriginalContent)
	})

	t.Run("reject", func(t *testing.T) {
		e, _ := newTestEngine(t, WithMissingModifyPolicy(RejectMissingTarget))
		_, err := e.BuildDiff("ghost.py", "pass\n", OpModify, nil)
		assert.ErrorIs(t, err, ErrTargetMissing)
	})
}

func TestApplyTwiceFails(t *testing.T) {
	e, _ := newTestEngine(t)
	d, err := e.BuildDiff("once.py", "pass\n", OpCreate, nil)
	require.NoError(t, err)

	require.NoError(t, e.Apply(d, false))
	assert.ErrorIs(t, e.Apply(d, false), ErrAlreadyApplied)
}

func TestDryRunDoesNotTouchDisk(t *testing.T) {
	e, root := newTestEngine(t)
	d, err := e.BuildDiff("dry.py", "pass\n", OpCreate, nil)
	require.NoError(t, err)

	require.NoError(t, e.Apply(d, true))
	assert.False(t, d.Applied)
	assert.NoFileExists(t, filepath.Join(root, "dry.py"))
}

func TestRollbackWithoutSource(t *testing.T) {
	e, root := newTestEngine(t)
	writeFile(t, root, "a.py", "x = 1\n")

	content := "x = 2\n"
	d := &FileDiff{Operation: OpModify, FilePath: "a.py", NewContent: &content}
	require.NoError(t, e.Apply(d, false))

	d.BackupPath = ""
	assert.ErrorIs(t, e.Rollback(d), ErrNoRestoreSource)
	assert.True(t, d.Applied)
}

func TestRollbackFallsBackToStoredOriginal(t *testing.T) {
	e, root := newTestEngine(t)
	writeFile(t, root, "a.py", "x = 1\n")

	d, err := e.BuildDiff("a.py", "x = 2\n", OpModify, nil)
	require.NoError(t, err)
	require.NoError(t, e.Apply(d, false))

	require.NoError(t, os.Remove(d.BackupPath))
	require.NoError(t, e.Rollback(d))
	assert.Equal(t, "x = 1\n", readFile(t, root, "a.py"))
}

func TestRollbackOfUnappliedIsNoop(t *testing.T) {
	e, _ := newTestEngine(t)
	d, err := e.BuildDiff("never.py", "pass\n", OpCreate, nil)
	require.NoError(t, err)
	assert.NoError(t, e.Rollback(d))
}

func TestApplyBatchStopOnError(t *testing.T) {
	e, root := newTestEngine(t)
	writeFile(t, root, "m.py", "old\n")
	writeFile(t, root, "taken.py", "already here\n")

	d0, err := e.BuildDiff("one.py", "1\n", OpCreate, nil)
	require.NoError(t, err)
	d1, err := e.BuildDiff("m.py", "new\n", OpModify, nil)
	require.NoError(t, err)
	body := "clash\n"
	d2 := &FileDiff{Operation: OpCreate, FilePath: "taken.py", NewContent: &body}
	d3, err := e.BuildDiff("three.py", "3\n", OpCreate, nil)
	require.NoError(t, err)

	res := e.ApplyBatch(context.Background(), []*FileDiff{d0, d1, d2, d3}, false, true)

	assert.Equal(t, 4, res.Total)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, res.RolledBack)
	assert.Equal(t, 0, res.Succeeded)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 2, res.Errors[0].Index)
	assert.False(t, res.Success())

	assert.NoFileExists(t, filepath.Join(root, "one.py"))
	assert.Equal(t, "old\n", readFile(t, root, "m.py"))
	assert.Equal(t, "already here\n", readFile(t, root, "taken.py"))
	assert.NoFileExists(t, filepath.Join(root, "three.py"))
	assert.False(t, d3.Applied)
}

func TestApplyBatchContinueOnError(t *testing.T) {
	e, root := newTestEngine(t)
	writeFile(t, root, "taken.py", "x\n")

	d0, err := e.BuildDiff("a.py", "a\n", OpCreate, nil)
	require.NoError(t, err)
	body := "y\n"
	d1 := &FileDiff{Operation: OpCreate, FilePath: "taken.py", NewContent: &body}
	d2, err := e.BuildDiff("b.py", "b\n", OpCreate, nil)
	require.NoError(t, err)

	res := e.ApplyBatch(context.Background(), []*FileDiff{d0, d1, d2}, false, false)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, res.RolledBack)
	assert.FileExists(t, filepath.Join(root, "a.py"))
	assert.FileExists(t, filepath.Join(root, "b.py"))
}

func TestApplyBatchCancelledContext(t *testing.T) {
	e, root := newTestEngine(t)
	d0, err := e.BuildDiff("a.py", "a\n", OpCreate, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := e.ApplyBatch(ctx, []*FileDiff{d0}, false, true)
	assert.Equal(t, 1, res.Failed)
	assert.NoFileExists(t, filepath.Join(root, "a.py"))
}

func TestRollbackBatchReverseOrder(t *testing.T) {
	e, root := newTestEngine(t)
	writeFile(t, root, "f.py", "v0\n")

	d1, err := e.BuildDiff("f.py", "v1\n", OpModify, nil)
	require.NoError(t, err)
	require.NoError(t, e.Apply(d1, false))

	d2, err := e.BuildDiff("f.py", "v2\n", OpModify, nil)
	require.NoError(t, err)
	require.NoError(t, e.Apply(d2, false))

	res := e.RollbackBatch([]*FileDiff{d1, d2})
	assert.True(t, res.Success())
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, "v0\n", readFile(t, root, "f.py"))
}

func TestCleanupBackupsHonoursRetention(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	e, root := newTestEngine(t, WithBackupRetention(24*time.Hour), WithClock(func() time.Time { return now }))
	writeFile(t, root, "a.py", "x = 1\n")

	d, err := e.BuildDiff("a.py", "x = 2\n", OpModify, nil)
	require.NoError(t, err)
	require.NoError(t, e.Apply(d, false))

	old := filepath.Join(e.BackupDir(), "stale.py.20250101T000000.000000000.abcdefabcdef.bak")
	require.NoError(t, os.WriteFile(old, []byte("old"), 0o644))
	past := now.Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))
	require.NoError(t, os.Chtimes(d.BackupPath, now, now))

	removed, err := e.CleanupBackups()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, old)
	assert.FileExists(t, d.BackupPath)
}

func TestBackupNamesDoNotCollide(t *testing.T) {
	e, root := newTestEngine(t)
	writeFile(t, root, "pkg1/util.py", "a\n")
	writeFile(t, root, "pkg2/util.py", "b\n")

	d1, err := e.BuildDiff("pkg1/util.py", "a2\n", OpModify, nil)
	require.NoError(t, err)
	d2, err := e.BuildDiff("pkg2/util.py", "b2\n", OpModify, nil)
	require.NoError(t, err)

	res := e.ApplyBatch(context.Background(), []*FileDiff{d1, d2}, false, true)
	require.True(t, res.Success())
	assert.NotEqual(t, d1.BackupPath, d2.BackupPath)
}

func TestSymlinkEscapeIsRejected(t *testing.T) {
	e, root := newTestEngine(t)
	outside := t.TempDir()
	writeFile(t, outside, "secret.txt", "keep\n")
	writeFile(t, root, "inner/real.txt", "inside\n")

	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(root, "secret.txt")))
	require.NoError(t, os.Symlink(filepath.Join(root, "inner"), filepath.Join(root, "alias")))

	content := "pwned\n"
	tests := []struct {
		name string
		diff *FileDiff
	}{
		{"create through linked dir", &FileDiff{Operation: OpCreate, FilePath: "link/pwn.txt", NewContent: &content}},
		{"create deep through linked dir", &FileDiff{Operation: OpCreate, FilePath: "link/a/b/pwn.txt", NewContent: &content}},
		{"modify linked file", &FileDiff{Operation: OpModify, FilePath: "secret.txt", NewContent: &content}},
		{"modify through linked dir", &FileDiff{Operation: OpModify, FilePath: "link/secret.txt", NewContent: &content}},
		{"delete through linked dir", &FileDiff{Operation: OpDelete, FilePath: "link/secret.txt"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Validate(tt.diff)
			assert.False(t, res.Valid)

			err := e.Apply(tt.diff, false)
			assert.ErrorIs(t, err, ErrInvalidDiff)
			assert.False(t, tt.diff.Applied)

			_, err = e.BuildDiff(tt.diff.FilePath, content, tt.diff.Operation, nil)
			assert.ErrorIs(t, err, ErrPathOutsideWorkspace)
		})
	}

	assert.NoFileExists(t, filepath.Join(outside, "pwn.txt"))
	assert.NoDirExists(t, filepath.Join(outside, "a"))
	assert.Equal(t, "keep\n", readFile(t, outside, "secret.txt"))

	// links that stay inside the workspace are fine
	d, err := e.BuildDiff("alias/real.txt", "edited\n", OpModify, nil)
	require.NoError(t, err)
	require.NoError(t, e.Apply(d, false))
	assert.Equal(t, "edited\n", readFile(t, root, "inner/real.txt"))
}

func TestRollbackRefusesSwappedSymlink(t *testing.T) {
	e, root := newTestEngine(t)
	outside := t.TempDir()

	d, err := e.BuildDiff("out/victim.txt", "mine\n", OpCreate, nil)
	require.NoError(t, err)
	require.NoError(t, e.Apply(d, false))

	writeFile(t, outside, "victim.txt", "theirs\n")
	require.NoError(t, os.RemoveAll(filepath.Join(root, "out")))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "out")))

	err = e.Rollback(d)
	assert.ErrorIs(t, err, ErrPathOutsideWorkspace)
	assert.Equal(t, "theirs\n", readFile(t, outside, "victim.txt"))
}

func TestConcurrentApplyAndRollback(t *testing.T) {
	e, root := newTestEngine(t)
	const n = 16
	for i := 0; i < n; i++ {
		writeFile(t, root, fmt.Sprintf("mod/f%02d.txt", i), fmt.Sprintf("v0 %d\n", i))
	}

	var wg sync.WaitGroup
	errs := make(chan error, 4*n)
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			d, err := e.BuildDiff(fmt.Sprintf("new/f%02d.txt", i), fmt.Sprintf("created %d\n", i), OpCreate, nil)
			if err != nil {
				errs <- err
				return
			}
			errs <- e.Apply(d, false)
		}(i)
		go func(i int) {
			defer wg.Done()
			rel := fmt.Sprintf("mod/f%02d.txt", i)
			d, err := e.BuildDiff(rel, fmt.Sprintf("v1 %d\n", i), OpModify, nil)
			if err != nil {
				errs <- err
				return
			}
			if err := e.Apply(d, false); err != nil {
				errs <- err
				return
			}
			// odd files are put back
			if i%2 == 1 {
				errs <- e.Rollback(d)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for i := 0; i < n; i++ {
		created := readFile(t, root, fmt.Sprintf("new/f%02d.txt", i))
		assert.Equal(t, Checksum([]byte(fmt.Sprintf("created %d\n", i))), Checksum([]byte(created)))

		want := fmt.Sprintf("v1 %d\n", i)
		if i%2 == 1 {
			want = fmt.Sprintf("v0 %d\n", i)
		}
		got := readFile(t, root, fmt.Sprintf("mod/f%02d.txt", i))
		assert.Equal(t, Checksum([]byte(want)), Checksum([]byte(got)), "mod/f%02d.txt", i)
	}

	entries, err := os.ReadDir(filepath.Join(root, "mod"))
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, strings.HasPrefix(entry.Name(), ".pevr-tmp-"), entry.Name())
	}
}

func TestTrailingNewlineChanges(t *testing.T) {
	tests := []struct {
		name        string
		before      string
		after       string
		added       int
		removed     int
		markerCount int
	}{
		{"newline removed", "a\nb\n", "a\nb", 1, 1, 1},
		{"newline added", "a\nb", "a\nb\n", 1, 1, 1},
		{"last line changed without newline", "a\nb", "a\nc", 1, 1, 2},
		{"unchanged tail without newline", "a\nb", "x\nb", 1, 1, 1},
		{"plain change", "a\n", "b\n", 1, 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, root := newTestEngine(t)
			writeFile(t, root, "f.txt", tt.before)

			d, err := e.BuildDiff("f.txt", tt.after, OpModify, nil)
			require.NoError(t, err)
			assert.NotEmpty(t, d.UnifiedDiff)
			assert.Equal(t, tt.added, d.LinesAdded)
			assert.Equal(t, tt.removed, d.LinesRemoved)
			assert.Equal(t, tt.markerCount, strings.Count(d.UnifiedDiff, `\ No newline at end of file`))
		})
	}
}
