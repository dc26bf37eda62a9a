package verification

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

var (
	// ErrToolNotFound means the external tool is not installed
	ErrToolNotFound = errors.New("tool not found")
	// ErrToolTimeout means the external tool exceeded its timeout and was killed
	ErrToolTimeout = errors.New("tool timed out")
)

// commandResult is the captured outcome of one subprocess
type commandResult struct {
	stdout   string
	stderr   string
	exitCode int
}

// runCommand runs name with args in dir under timeout. A non-zero exit is not an
// error; a missing binary or a timeout is.
func runCommand(ctx context.Context, timeout time.Duration, dir, name string, args ...string) (*commandResult, error) {
	if _, err := exec.LookPath(name); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("%w: %s after %s", ErrToolTimeout, name, timeout)
	}

	res := &commandResult{stdout: stdout.String(), stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			if errors.Is(err, exec.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
			}
			return nil, fmt.Errorf("run %s: %w", name, err)
		}
		res.exitCode = exitErr.ExitCode()
	}
	return res, nil
}
