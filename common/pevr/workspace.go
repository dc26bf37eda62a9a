package pevr

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/lyzr/pevr/common/execution"
	"github.com/lyzr/pevr/common/generation"
	"github.com/lyzr/pevr/common/models"
	"github.com/lyzr/pevr/common/mutation"
	"github.com/lyzr/pevr/common/planning"
)

// Workspaces opens one mutation engine per workspace root and reuses it, so
// every action touching the same directory shares the same apply lock.
type Workspaces struct {
	gen           generation.Generator
	logger        Logger
	mutationOpts  []mutation.Option
	executionOpts []execution.Option

	mu      sync.Mutex
	engines map[string]*engineWorkspace
}

// NewWorkspaces creates a workspace registry backed by the mutation and execution engines
func NewWorkspaces(gen generation.Generator, logger Logger, mutationOpts []mutation.Option, executionOpts []execution.Option) *Workspaces {
	return &Workspaces{
		gen:           gen,
		logger:        logger,
		mutationOpts:  mutationOpts,
		executionOpts: executionOpts,
		engines:       make(map[string]*engineWorkspace),
	}
}

// Open returns the workspace rooted at root, creating its engines on first use
func (w *Workspaces) Open(root string) (Workspace, error) {
	return w.open(root)
}

// Mutation returns the mutation engine for root
func (w *Workspaces) Mutation(root string) (*mutation.Engine, error) {
	ws, err := w.open(root)
	if err != nil {
		return nil, err
	}
	return ws.mutation, nil
}

func (w *Workspaces) open(root string) (*engineWorkspace, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if ws, ok := w.engines[abs]; ok {
		return ws, nil
	}

	m, err := mutation.NewEngine(abs, w.logger, w.mutationOpts...)
	if err != nil {
		return nil, err
	}
	ws := &engineWorkspace{
		mutation: m,
		executor: execution.NewEngine(m, w.gen, w.logger, w.executionOpts...),
	}
	w.engines[abs] = ws
	return ws, nil
}

// PruneBackups runs backup retention on every open workspace and returns the
// number of snapshots removed
func (w *Workspaces) PruneBackups() (int, error) {
	w.mu.Lock()
	roots := make([]string, 0, len(w.engines))
	for root := range w.engines {
		roots = append(roots, root)
	}
	sort.Strings(roots)
	engines := make([]*mutation.Engine, len(roots))
	for i, root := range roots {
		engines[i] = w.engines[root].mutation
	}
	w.mu.Unlock()

	total := 0
	var firstErr error
	for i, m := range engines {
		root := roots[i]
		n, err := m.CleanupBackups()
		total += n
		if err != nil {
			w.logger.Error("backup cleanup failed", "workspace", root, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return total, firstErr
}

type engineWorkspace struct {
	mutation *mutation.Engine
	executor *execution.Engine
}

func (ws *engineWorkspace) Root() string { return ws.mutation.Root() }

func (ws *engineWorkspace) Execute(ctx context.Context, plan *planning.Plan, dryRun bool) *execution.Result {
	return ws.executor.Run(ctx, plan, dryRun)
}

func (ws *engineWorkspace) Rollback(diffs []*mutation.FileDiff) *mutation.RollbackResult {
	return ws.mutation.RollbackBatch(diffs)
}

// LogReporter only logs transitions
type LogReporter struct {
	logger Logger
}

// NewLogReporter creates a reporter that writes transitions to the log
func NewLogReporter(logger Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

// Report logs the snapshot's status
func (r *LogReporter) Report(_ context.Context, a *models.Action) error {
	r.logger.Info("action status", "action_id", a.ActionID.String(), "status", string(a.Status), "phases_completed", a.PhasesCompleted)
	return nil
}
