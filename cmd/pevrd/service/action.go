package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/lyzr/pevr/common/execution"
	"github.com/lyzr/pevr/common/models"
	"github.com/lyzr/pevr/common/mutation"
	"github.com/lyzr/pevr/common/pevr"
	"github.com/lyzr/pevr/common/planning"
	"github.com/lyzr/pevr/common/reflection"
)

var (
	// ErrActionNotFound is returned for unknown action ids
	ErrActionNotFound = errors.New("action not found")
	// ErrActionBusy is returned when a cycle is already running on the action
	ErrActionBusy = errors.New("action is running")
	// ErrInvalidRequest wraps request validation failures
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidWorkspace is returned for workspaces outside the root or missing on disk
	ErrInvalidWorkspace = errors.New("invalid workspace")
	// ErrNoPlan is returned when amending an action that has not been planned
	ErrNoPlan = errors.New("action has no plan")
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Cycle drives actions through their phases
type Cycle interface {
	Run(ctx context.Context, a *pevr.Action, opts pevr.RunOptions) *pevr.CycleResult
	Approve(ctx context.Context, a *pevr.Action) error
	Reject(ctx context.Context, a *pevr.Action) error
}

// DiffFormat selects how diffs are rendered
type DiffFormat string

const (
	DiffFormatText       DiffFormat = "text"
	DiffFormatSideBySide DiffFormat = "side_by_side"
)

// SubmitRequest starts a new action
type SubmitRequest struct {
	ProjectID string            `json:"project_id" validate:"required,max=128"`
	Workspace string            `json:"workspace" validate:"max=1024"`
	Intent    string            `json:"intent" validate:"required,max=16000"`
	Profile   planning.Profile  `json:"profile"`
	Session   *planning.Session `json:"session,omitempty"`
	DryRun    bool              `json:"dry_run"`
}

// DiffPreview is one rendered diff of an action
type DiffPreview struct {
	FilePath     string               `json:"file_path"`
	Operation    mutation.Operation   `json:"operation"`
	Applied      bool                 `json:"applied"`
	LinesAdded   int                  `json:"lines_added"`
	LinesRemoved int                  `json:"lines_removed"`
	Text         string               `json:"text,omitempty"`
	SideBySide   *mutation.SideBySide `json:"side_by_side,omitempty"`
}

// ActionService runs cycles in the background and serves their snapshots
type ActionService struct {
	cycle      Cycle
	store      *ActionStore
	reporter   pevr.Reporter
	approval   *planning.ApprovalPolicy
	normalizer func(knownFiles []string) planning.Normalizer
	root       string
	validate   *validator.Validate
	logger     Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	running map[uuid.UUID]chan struct{}
}

// NewActionService creates the service. Workspaces are resolved under root.
func NewActionService(
	cycle Cycle,
	store *ActionStore,
	reporter pevr.Reporter,
	approval *planning.ApprovalPolicy,
	normalizer func(knownFiles []string) planning.Normalizer,
	root string,
	logger Logger,
) (*ActionService, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ActionService{
		cycle:      cycle,
		store:      store,
		reporter:   reporter,
		approval:   approval,
		normalizer: normalizer,
		root:       absRoot,
		validate:   validator.New(),
		logger:     logger,
		baseCtx:    ctx,
		cancel:     cancel,
		running:    make(map[uuid.UUID]chan struct{}),
	}, nil
}

// Submit records a new action and starts its cycle in the background
func (s *ActionService) Submit(ctx context.Context, req SubmitRequest) (*models.Action, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	workspace, err := s.resolveWorkspace(req.ProjectID, req.Workspace)
	if err != nil {
		return nil, err
	}

	a := pevr.NewAction(req.ProjectID, workspace, req.Intent)
	a.Profile = req.Profile
	a.Session = req.Session

	rec, err := a.Record()
	if err != nil {
		return nil, err
	}
	if err := s.reporter.Report(ctx, rec); err != nil {
		s.logger.Warn("failed to publish submitted action", "action_id", a.ID.String(), "error", err)
	}

	done, _ := s.claim(a.ID)
	s.launch(a, pevr.RunOptions{DryRun: req.DryRun}, done)

	s.logger.Info("action submitted",
		"action_id", a.ID.String(),
		"project_id", a.ProjectID,
		"workspace", workspace,
		"dry_run", req.DryRun)

	return rec, nil
}

// Get returns the latest snapshot of an action
func (s *ActionService) Get(ctx context.Context, id uuid.UUID) (*models.Action, error) {
	return s.store.Get(ctx, id)
}

// List returns a project's most recent actions
func (s *ActionService) List(ctx context.Context, projectID string, limit int) ([]*models.Action, error) {
	if projectID == "" {
		return nil, fmt.Errorf("%w: project_id is required", ErrInvalidRequest)
	}
	return s.store.List(ctx, projectID, limit)
}

// Suggest derives advice for an action's plan from its project's lessons
func (s *ActionService) Suggest(ctx context.Context, id uuid.UUID, lessons reflection.Store) ([]string, error) {
	a, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Plan == nil {
		return nil, ErrNoPlan
	}

	l, err := lessons.Load(ctx, a.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load lessons: %w", err)
	}
	return reflection.Suggestions(l, a.Plan.Summary, a.Plan.Risks, 0), nil
}

// Approve grants approval to a paused action and resumes its cycle at execution
func (s *ActionService) Approve(ctx context.Context, id uuid.UUID) (*models.Action, error) {
	done, ok := s.claim(id)
	if !ok {
		return nil, ErrActionBusy
	}

	a, err := s.load(ctx, id)
	if err == nil {
		err = s.cycle.Approve(ctx, a)
	}
	if err != nil {
		s.release(id, done)
		return nil, err
	}

	s.launch(a, pevr.RunOptions{}, done)
	return s.store.Get(ctx, id)
}

// Reject cancels a paused action
func (s *ActionService) Reject(ctx context.Context, id uuid.UUID) (*models.Action, error) {
	done, ok := s.claim(id)
	if !ok {
		return nil, ErrActionBusy
	}
	defer s.release(id, done)

	a, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.cycle.Reject(ctx, a); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, id)
}

// AmendPlan applies JSON patch operations to the plan of a paused action.
// The amended plan is re-normalized and re-checked against the approval policy.
func (s *ActionService) AmendPlan(ctx context.Context, id uuid.UUID, ops []planning.PatchOp) (*models.Action, error) {
	if err := planning.ValidatePatchOps(ops); err != nil {
		return nil, err
	}

	done, ok := s.claim(id)
	if !ok {
		return nil, ErrActionBusy
	}
	defer s.release(id, done)

	a, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != models.ActionPending {
		return nil, fmt.Errorf("%w: status is %s", pevr.ErrNotPending, a.Status)
	}
	if a.Plan == nil {
		return nil, ErrNoPlan
	}

	amended, err := planning.AmendPlan(a.Plan, ops, s.normalizer(a.Profile.SourceFiles), s.approval)
	if err != nil {
		return nil, err
	}
	a.Plan = amended
	a.RequiresApproval = a.RequiresApproval || amended.RequiresApproval
	// an amended plan needs a fresh decision
	a.Approved = false
	a.ApprovedAt = nil

	rec, err := a.Record()
	if err != nil {
		return nil, err
	}
	if err := s.reporter.Report(ctx, rec); err != nil {
		s.logger.Warn("failed to publish amended plan", "action_id", id.String(), "error", err)
	}

	s.logger.Info("plan amended", "action_id", id.String(), "operations", len(ops), "steps", len(amended.Steps))
	return rec, nil
}

// Diffs renders the diffs produced by an action's execution phase
func (s *ActionService) Diffs(ctx context.Context, id uuid.UUID, format DiffFormat) ([]DiffPreview, error) {
	switch format {
	case "", DiffFormatText, DiffFormatSideBySide:
	default:
		return nil, fmt.Errorf("%w: unknown diff format %q", ErrInvalidRequest, format)
	}

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	out := []DiffPreview{}
	if len(rec.Execution) == 0 || string(rec.Execution) == "null" {
		return out, nil
	}

	var result execution.Result
	if err := json.Unmarshal(rec.Execution, &result); err != nil {
		return nil, fmt.Errorf("failed to decode execution result: %w", err)
	}

	for _, d := range result.Diffs {
		if d == nil {
			continue
		}
		p := DiffPreview{
			FilePath:     d.FilePath,
			Operation:    d.Operation,
			Applied:      d.Applied,
			LinesAdded:   d.LinesAdded,
			LinesRemoved: d.LinesRemoved,
		}
		if format == DiffFormatSideBySide {
			sbs := mutation.PreviewSideBySide(d)
			p.SideBySide = &sbs
		} else {
			p.Text = mutation.PreviewText(d)
		}
		out = append(out, p)
	}
	return out, nil
}

// Wait blocks until the action's running cycle, if any, finishes
func (s *ActionService) Wait(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	done, ok := s.running[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running is the number of cycles in flight
func (s *ActionService) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Close waits for running cycles until ctx expires, then cancels the rest
func (s *ActionService) Close(ctx context.Context) {
	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-ctx.Done():
		s.logger.Warn("cancelling running cycles", "running", s.Running())
		s.cancel()
		<-finished
	}
	s.cancel()
}

func (s *ActionService) launch(a *pevr.Action, opts pevr.RunOptions, done chan struct{}) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(a.ID, done)

		res := s.cycle.Run(s.baseCtx, a, opts)
		s.logger.Info("cycle finished",
			"action_id", res.ActionID,
			"status", string(res.Status),
			"success", res.Success,
			"requires_approval", res.RequiresApproval)
	}()
}

// claim marks an action as busy. It fails when a cycle or another request holds it.
func (s *ActionService) claim(id uuid.UUID) (chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.running[id]; busy {
		return nil, false
	}
	done := make(chan struct{})
	s.running[id] = done
	return done, true
}

func (s *ActionService) release(id uuid.UUID, done chan struct{}) {
	s.mu.Lock()
	if s.running[id] == done {
		delete(s.running, id)
	}
	s.mu.Unlock()
	close(done)
}

func (s *ActionService) load(ctx context.Context, id uuid.UUID) (*pevr.Action, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return pevr.FromRecord(rec)
}

// resolveWorkspace maps a requested workspace onto a directory under root.
// An empty request means root/<project_id>.
func (s *ActionService) resolveWorkspace(projectID, requested string) (string, error) {
	rel := requested
	if rel == "" {
		rel = projectID
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s must be relative to the workspace root", ErrInvalidWorkspace, requested)
	}

	path := filepath.Join(s.root, rel)
	inside, err := filepath.Rel(s.root, path)
	if err != nil || inside == ".." || strings.HasPrefix(inside, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s escapes the workspace root", ErrInvalidWorkspace, rel)
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidWorkspace, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrInvalidWorkspace, rel)
	}
	return path, nil
}
