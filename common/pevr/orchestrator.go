// Package pevr runs the Plan, Execute, Verify, Reflect cycle over one action.
//
// The orchestrator is a state machine over models.ActionStatus:
//
//	pending -> planning -> [pending until approved] -> executing -> verifying -> reflecting -> completed
//
// Planning and execution failures end in failed, a failing verification rolls
// the applied diffs back and ends in rolled_back, rejection ends in cancelled.
// Reflection never changes the outcome.
package pevr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lyzr/pevr/common/execution"
	"github.com/lyzr/pevr/common/metrics"
	"github.com/lyzr/pevr/common/models"
	"github.com/lyzr/pevr/common/mutation"
	"github.com/lyzr/pevr/common/planning"
	"github.com/lyzr/pevr/common/reflection"
	"github.com/lyzr/pevr/common/verification"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Planner produces a plan for an intent
type Planner interface {
	Generate(ctx context.Context, req planning.Request) (*planning.Plan, error)
}

// Verifier checks a workspace after changes are applied
type Verifier interface {
	Verify(ctx context.Context, root string, changed []string) (*verification.Report, error)
}

// Reflector reviews finished cycles and serves lessons back to planning
type Reflector interface {
	Reflect(ctx context.Context, c reflection.Cycle) (*reflection.Reflection, error)
	RecentLessons(ctx context.Context, projectID string, n int) ([]string, error)
}

// Workspace is one project directory with its own mutation lock
type Workspace interface {
	Root() string
	Execute(ctx context.Context, plan *planning.Plan, dryRun bool) *execution.Result
	Rollback(diffs []*mutation.FileDiff) *mutation.RollbackResult
}

// WorkspaceOpener resolves an action's workspace path
type WorkspaceOpener interface {
	Open(root string) (Workspace, error)
}

// Reporter receives a snapshot on every status transition
type Reporter interface {
	Report(ctx context.Context, action *models.Action) error
}

// RunOptions tune a single cycle
type RunOptions struct {
	// DryRun validates the batch without writing; the cycle ends after execution
	DryRun bool
}

// CycleResult is what a caller gets back from Run
type CycleResult struct {
	ActionID         string                   `json:"action_id"`
	Status           models.ActionStatus      `json:"status"`
	PhasesCompleted  []Phase                  `json:"phases_completed"`
	Success          bool                     `json:"success"`
	RequiresApproval bool                     `json:"requires_approval"`
	Error            string                   `json:"error,omitempty"`
	Plan             *planning.Plan           `json:"plan,omitempty"`
	Execution        *execution.Result        `json:"execution,omitempty"`
	Verification     *verification.Report     `json:"verification,omitempty"`
	Reflection       *reflection.Reflection   `json:"reflection,omitempty"`
	Rollback         *mutation.RollbackResult `json:"rollback,omitempty"`
}

// Orchestrator drives actions through the cycle
type Orchestrator struct {
	planner    Planner
	workspaces WorkspaceOpener
	verifier   Verifier
	reflector  Reflector
	reporter   Reporter
	logger     Logger

	lessonsForPlan int
	now            func() time.Time
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithReporter sets where status snapshots go
func WithReporter(r Reporter) Option {
	return func(o *Orchestrator) { o.reporter = r }
}

// WithLessonsForPlan sets how many recent lessons are handed to the planner
func WithLessonsForPlan(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.lessonsForPlan = n
		}
	}
}

// WithClock overrides the time source for approval and completion timestamps
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator wires the four phases together
func NewOrchestrator(planner Planner, workspaces WorkspaceOpener, verifier Verifier, reflector Reflector, logger Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		planner:        planner,
		workspaces:     workspaces,
		verifier:       verifier,
		reflector:      reflector,
		logger:         logger,
		lessonsForPlan: reflection.DefaultLessonsForPlan,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.reporter == nil {
		o.reporter = NewLogReporter(logger)
	}
	return o
}

// cycle carries per-run state that does not belong on the action
type cycle struct {
	action *Action
	opts   RunOptions
	ws     Workspace
	paused bool
	result *CycleResult
}

// Run drives a through every remaining phase. It never returns an error: the
// outcome, including failures, is in the CycleResult and on the action.
// An approved action that already has a plan resumes at execution.
func (o *Orchestrator) Run(ctx context.Context, a *Action, opts RunOptions) *CycleResult {
	c := &cycle{
		action: a,
		opts:   opts,
		result: &CycleResult{ActionID: a.ID.String(), Status: a.Status, PhasesCompleted: []Phase{}},
	}
	if a.Status.Terminal() {
		c.result.Error = fmt.Sprintf("%v: %s", ErrTerminal, a.Status)
		return c.result
	}

	o.logger.Info("cycle starting", "action_id", a.ID.String(), "project_id", a.ProjectID, "dry_run", opts.DryRun)
	err := o.runSafely(ctx, c)
	o.finish(ctx, c, err)
	return c.result
}

// runSafely converts a panic in any phase into an error
func (o *Orchestrator) runSafely(ctx context.Context, c *cycle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic during cycle", "action_id", c.action.ID.String(), "panic", fmt.Sprint(r))
			err = fmt.Errorf("unexpected error: %v", r)
		}
	}()
	return o.runPhases(ctx, c)
}

func (o *Orchestrator) runPhases(ctx context.Context, c *cycle) error {
	a := c.action
	if a.StartedAt == nil {
		now := o.now()
		a.StartedAt = &now
	}

	if a.Plan == nil {
		if err := o.plan(ctx, a); err != nil {
			return err
		}
	} else {
		o.logger.Info("resuming with existing plan", "action_id", a.ID.String(), "approved", a.Approved)
	}
	a.completed(PhasePlanning)
	c.result.Plan = a.Plan

	if a.RequiresApproval && !a.Approved {
		c.paused = true
		return nil
	}

	if err := o.execute(ctx, c); err != nil {
		return err
	}
	if c.opts.DryRun {
		return nil
	}

	if err := o.verify(ctx, c); err != nil {
		return err
	}

	o.reflect(ctx, c)
	return nil
}

func (o *Orchestrator) plan(ctx context.Context, a *Action) error {
	o.transition(ctx, a, models.ActionPlanning)
	start := time.Now()
	defer metrics.ObservePhase(string(PhasePlanning), start)

	plan, err := o.planner.Generate(ctx, planning.Request{
		Intent:  a.Intent,
		Profile: a.Profile,
		Session: a.Session,
		Lessons: o.lessons(ctx, a.ProjectID),
	})
	if err != nil {
		return &PhaseError{Phase: PhasePlanning, Err: err}
	}
	a.Plan = plan
	if plan.RequiresApproval {
		a.RequiresApproval = true
	}
	o.logger.Info("plan ready", "action_id", a.ID.String(), "summary", plan.Summary, "steps", len(plan.Steps))
	return nil
}

func (o *Orchestrator) lessons(ctx context.Context, projectID string) []string {
	if o.lessonsForPlan == 0 {
		return nil
	}
	lessons, err := o.reflector.RecentLessons(ctx, projectID, o.lessonsForPlan)
	if err != nil {
		o.logger.Warn("could not load lessons, planning without them", "project_id", projectID, "error", err)
		return nil
	}
	return lessons
}

func (o *Orchestrator) execute(ctx context.Context, c *cycle) error {
	a := c.action
	ws, err := o.workspaces.Open(a.Workspace)
	if err != nil {
		return &PhaseError{Phase: PhaseExecuting, Err: fmt.Errorf("open workspace: %w", err)}
	}
	c.ws = ws

	o.transition(ctx, a, models.ActionExecuting)
	start := time.Now()
	res := ws.Execute(ctx, a.Plan, c.opts.DryRun)
	metrics.ObservePhase(string(PhaseExecuting), start)

	a.Execution = res
	c.result.Execution = res
	if !res.Success {
		return &PhaseError{Phase: PhaseExecuting, Err: fmt.Errorf("%w: %s", ErrExecutionFailed, joinOrUnknown(res.Errors))}
	}

	a.completed(PhaseExecuting)
	o.logger.Info("execution done",
		"action_id", a.ID.String(),
		"files_created", len(res.FilesCreated),
		"files_modified", len(res.FilesModified),
		"files_deleted", len(res.FilesDeleted))
	return nil
}

func (o *Orchestrator) verify(ctx context.Context, c *cycle) error {
	a := c.action
	o.transition(ctx, a, models.ActionVerifying)
	start := time.Now()
	defer metrics.ObservePhase(string(PhaseVerifying), start)

	changed := append(append([]string{}, a.Execution.FilesCreated...), a.Execution.FilesModified...)
	report, err := o.verifier.Verify(ctx, c.ws.Root(), changed)
	if err != nil {
		return &PhaseError{Phase: PhaseVerifying, Err: fmt.Errorf("verification error: %w", err)}
	}

	a.Verification = report
	c.result.Verification = report
	if !report.Passed {
		return &PhaseError{Phase: PhaseVerifying, Err: fmt.Errorf("%w: %s", ErrVerificationFailed, joinOrUnknown(report.Errors))}
	}

	a.completed(PhaseVerifying)
	o.logger.Info("verification passed", "action_id", a.ID.String(), "tests_run", report.TestsRun)
	return nil
}

// reflect never fails the cycle; any error or panic becomes a fallback payload
func (o *Orchestrator) reflect(ctx context.Context, c *cycle) {
	a := c.action
	o.transition(ctx, a, models.ActionReflecting)
	start := time.Now()
	defer metrics.ObservePhase(string(PhaseReflecting), start)

	r, err := o.reflectSafely(ctx, BuildCycle(a))
	if err == nil && r == nil {
		err = errors.New("reflector returned no reflection")
	}
	if err != nil {
		o.logger.Warn("reflection failed (non-fatal)", "action_id", a.ID.String(), "error", err)
		r = reflection.Failed(err)
	}

	a.Reflection = r
	c.result.Reflection = r
	a.completed(PhaseReflecting)
}

// reflectOnFailure records lessons from a cycle that got as far as a plan.
// It runs after rollback so the workspace is already back to its prior state.
func (o *Orchestrator) reflectOnFailure(ctx context.Context, c *cycle) {
	if c.action.Plan == nil {
		return
	}
	o.reflect(ctx, c)
}

func (o *Orchestrator) reflectSafely(ctx context.Context, cy reflection.Cycle) (r *reflection.Reflection, err error) {
	defer func() {
		if p := recover(); p != nil {
			r, err = nil, fmt.Errorf("reflection panicked: %v", p)
		}
	}()
	return o.reflector.Reflect(ctx, cy)
}

// finish maps the phase outcome onto a terminal (or paused) status
func (o *Orchestrator) finish(ctx context.Context, c *cycle, err error) {
	a := c.action

	switch {
	case err == nil && c.paused:
		a.Status = models.ActionPending
		c.result.RequiresApproval = true
		o.logger.Info("action requires approval", "action_id", a.ID.String())

	case err == nil:
		a.Status = models.ActionCompleted
		a.Error = ""
		c.result.Success = true
		o.logger.Info("cycle complete", "action_id", a.ID.String())

	case phaseOf(err) == PhaseVerifying:
		o.logger.Error("verification failed", "action_id", a.ID.String(), "error", err)
		c.result.Rollback = o.rollback(c)
		o.reflectOnFailure(ctx, c)
		a.Status = models.ActionRolledBack

	default:
		o.logger.Error("cycle failed", "action_id", a.ID.String(), "phase", string(phaseOf(err)), "error", err)
		// diffs from steps that did generate may already be on disk
		c.result.Rollback = o.rollback(c)
		o.reflectOnFailure(ctx, c)
		a.Status = models.ActionFailed
	}

	if err != nil {
		a.Error = err.Error()
		c.result.Error = a.Error
	}
	if a.Status.Terminal() {
		now := o.now()
		a.CompletedAt = &now
		metrics.CyclesTotal.WithLabelValues(string(a.Status)).Inc()
	}

	c.result.Status = a.Status
	c.result.PhasesCompleted = append(c.result.PhasesCompleted, a.PhasesCompleted...)
	o.report(ctx, a)
}

// rollback reverses every applied diff of the action. A rollback failure is
// logged for manual intervention and never changes the terminal status.
func (o *Orchestrator) rollback(c *cycle) *mutation.RollbackResult {
	if c.ws == nil || c.action.Execution == nil {
		return nil
	}
	applied := AppliedDiffs(c.action.Execution.Diffs)
	if len(applied) == 0 {
		return nil
	}

	o.logger.Warn("rolling back", "action_id", c.action.ID.String(), "diffs", len(applied))
	res := c.ws.Rollback(applied)
	if !res.Success() {
		o.logger.Error("rollback failed, manual intervention required",
			"action_id", c.action.ID.String(),
			"failed", res.Failed,
			"errors", res.Errors)
		return res
	}
	o.logger.Info("rollback complete", "action_id", c.action.ID.String(), "reverted", res.Succeeded)
	return res
}

// Approve grants approval to a pending action. It does not run the cycle;
// the caller re-invokes Run to resume at execution.
func (o *Orchestrator) Approve(ctx context.Context, a *Action) error {
	if a.Status != models.ActionPending {
		return fmt.Errorf("%w: status is %s", ErrNotPending, a.Status)
	}
	now := o.now()
	a.Approved = true
	a.ApprovedAt = &now
	o.logger.Info("action approved", "action_id", a.ID.String())
	o.report(ctx, a)
	return nil
}

// Reject cancels a pending action
func (o *Orchestrator) Reject(ctx context.Context, a *Action) error {
	if a.Status != models.ActionPending {
		return fmt.Errorf("%w: status is %s", ErrNotPending, a.Status)
	}
	now := o.now()
	a.Approved = false
	a.Status = models.ActionCancelled
	a.CompletedAt = &now
	metrics.CyclesTotal.WithLabelValues(string(a.Status)).Inc()
	o.logger.Info("action rejected", "action_id", a.ID.String())
	o.report(ctx, a)
	return nil
}

func (o *Orchestrator) transition(ctx context.Context, a *Action, status models.ActionStatus) {
	a.Status = status
	o.logger.Debug("phase transition", "action_id", a.ID.String(), "status", string(status))
	o.report(ctx, a)
}

func (o *Orchestrator) report(ctx context.Context, a *Action) {
	rec, err := a.Record()
	if err != nil {
		o.logger.Error("failed to snapshot action", "action_id", a.ID.String(), "error", err)
		return
	}
	if err := o.reporter.Report(ctx, rec); err != nil {
		o.logger.Error("failed to report action status", "action_id", a.ID.String(), "status", string(a.Status), "error", err)
	}
}

// AppliedDiffs filters diffs down to those currently on disk
func AppliedDiffs(diffs []*mutation.FileDiff) []*mutation.FileDiff {
	var out []*mutation.FileDiff
	for _, d := range diffs {
		if d != nil && d.Applied {
			out = append(out, d)
		}
	}
	return out
}

// BuildCycle flattens an action's payloads into what the reflector reads
func BuildCycle(a *Action) reflection.Cycle {
	c := reflection.Cycle{
		ProjectID: a.ProjectID,
		ActionID:  a.ID.String(),
		Intent:    a.Intent,
	}
	if p := a.Plan; p != nil {
		c.Complexity = string(p.EstimatedComplexity)
		c.Steps = len(p.Steps)
		c.NewFiles = len(p.FilesToCreate)
		c.Modified = len(p.FilesToModify)
		c.Risks = p.Risks
	}
	if e := a.Execution; e != nil {
		c.ExecutionSuccess = e.Success
		c.FilesCreated = len(e.FilesCreated)
		c.FilesModified = len(e.FilesModified)
		c.ExecutionErrors = e.Errors
	}
	if v := a.Verification; v != nil {
		c.VerificationRan = true
		c.VerificationPassed = v.Passed
		c.TestsRun = v.TestsRun
		c.TestsPassed = v.TestsPassed
		c.TestsFailed = v.TestsFailed
		c.SyntaxValid = v.SyntaxValid
		c.LintValid = v.LintValid
		c.CoveragePercent = v.CoveragePercent
		c.VerificationErrors = v.Errors
	}
	return c
}

func joinOrUnknown(errs []string) string {
	if len(errs) == 0 {
		return "unknown"
	}
	return strings.Join(errs, "; ")
}
