// Package execution turns a validated plan into file diffs by asking the
// generation service for each step, then applies them as one batch.
//
// Independent steps (create, no dependencies, file not referenced earlier)
// run concurrently under a fixed limit. Everything else runs afterwards in
// plan order.
package execution

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lyzr/pevr/common/generation"
	"github.com/lyzr/pevr/common/language"
	"github.com/lyzr/pevr/common/mutation"
	"github.com/lyzr/pevr/common/planning"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// DiffEngine is the part of the mutation engine the runner needs
type DiffEngine interface {
	Read(relPath string) (*string, error)
	BuildDiff(filePath, newContent string, op mutation.Operation, original *string) (*mutation.FileDiff, error)
	ApplyBatch(ctx context.Context, diffs []*mutation.FileDiff, dryRun, stopOnError bool) *mutation.ApplyResult
}

const (
	DefaultConcurrency      = 4
	DefaultContextLines     = 120
	DefaultMinOutputChars   = 20
	DefaultMinOriginalChars = 50

	generationTemperature = 0.15
	generationMaxTokens   = 4096
)

// Result is the outcome of running a plan
type Result struct {
	FilesCreated   []string              `json:"files_created"`
	FilesModified  []string              `json:"files_modified"`
	FilesDeleted   []string              `json:"files_deleted"`
	FilesGenerated int                   `json:"files_generated"`
	Diffs          []*mutation.FileDiff  `json:"diffs"`
	Errors         []string              `json:"errors"`
	Success        bool                  `json:"success"`
	DryRun         bool                  `json:"dry_run"`
	Apply          *mutation.ApplyResult `json:"apply,omitempty"`
}

// Engine runs plans against one workspace
type Engine struct {
	diffs  DiffEngine
	gen    generation.Generator
	logger Logger

	concurrency      int
	contextLines     int
	minOutputChars   int
	minOriginalChars int
}

// Option configures an Engine
type Option func(*Engine)

// WithConcurrency sets how many independent steps generate at once
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithContextLines sets the existing-code budget shown to the generator for modifications
func WithContextLines(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.contextLines = n
		}
	}
}

// WithShortOutputGuard sets the thresholds below which a modification result is
// discarded in favour of the original plus a TODO marker
func WithShortOutputGuard(minOutput, minOriginal int) Option {
	return func(e *Engine) {
		e.minOutputChars = minOutput
		e.minOriginalChars = minOriginal
	}
}

// NewEngine creates a plan runner
func NewEngine(diffs DiffEngine, gen generation.Generator, logger Logger, opts ...Option) *Engine {
	e := &Engine{
		diffs:            diffs,
		gen:              gen,
		logger:           logger,
		concurrency:      DefaultConcurrency,
		contextLines:     DefaultContextLines,
		minOutputChars:   DefaultMinOutputChars,
		minOriginalChars: DefaultMinOriginalChars,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// stepOutcome is what one step produced: the desired end state of its file
type stepOutcome struct {
	step    planning.Step
	content string
	err     error
}

// Partition splits steps into those safe to run concurrently and the rest, both in plan order
func Partition(steps []planning.Step) (independent, dependent []planning.Step) {
	seen := make(map[string]struct{}, len(steps))
	for _, s := range steps {
		_, referenced := seen[s.FilePath]
		if len(s.Dependencies) == 0 && !referenced && s.Action == planning.ActionCreate {
			independent = append(independent, s)
		} else {
			dependent = append(dependent, s)
		}
		if s.FilePath != "" {
			seen[s.FilePath] = struct{}{}
		}
	}
	return independent, dependent
}

// Run executes every step of the plan and applies the resulting diffs as one
// stop-on-error batch. With dryRun the batch is validated but nothing is written.
func (e *Engine) Run(ctx context.Context, plan *planning.Plan, dryRun bool) *Result {
	e.logger.Info("executing plan", "summary", plan.Summary, "steps", len(plan.Steps), "dry_run", dryRun)

	res := &Result{
		FilesCreated:  []string{},
		FilesModified: []string{},
		FilesDeleted:  []string{},
		Diffs:         []*mutation.FileDiff{},
		Errors:        []string{},
		Success:       true,
		DryRun:        dryRun,
	}
	pending := newPendingSet(e.diffs)

	independent, dependent := Partition(plan.Steps)
	e.logger.Debug("steps partitioned", "independent", len(independent), "dependent", len(dependent))

	outcomes := e.runConcurrent(ctx, independent, plan, pending)
	for _, o := range outcomes {
		e.merge(res, pending, o)
	}

	for _, step := range dependent {
		o := e.runStep(ctx, step, plan, pending)
		e.merge(res, pending, o)
	}

	res.Diffs = pending.list()
	if len(res.Diffs) > 0 {
		apply := e.diffs.ApplyBatch(ctx, res.Diffs, dryRun, true)
		res.Apply = apply
		if !apply.Success() {
			res.Success = false
			res.Errors = append(res.Errors, fmt.Sprintf("%d diff(s) failed to apply; rolled back.", apply.Failed))
			for _, ie := range apply.Errors {
				res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", ie.FilePath, ie.Message))
			}
		}
	}

	e.logger.Info("execution complete",
		"success", res.Success,
		"files_generated", res.FilesGenerated,
		"diffs", len(res.Diffs),
		"errors", len(res.Errors))
	return res
}

func (e *Engine) runConcurrent(ctx context.Context, steps []planning.Step, plan *planning.Plan, pending *pendingSet) []stepOutcome {
	outcomes := make([]stepOutcome, len(steps))
	if len(steps) == 0 {
		return outcomes
	}

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, step := range steps {
		i, step := i, step
		g.Go(func() error {
			outcomes[i] = e.runStep(ctx, step, plan, pending)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (e *Engine) runStep(ctx context.Context, step planning.Step, plan *planning.Plan, pending *pendingSet) stepOutcome {
	out := stepOutcome{step: step}
	if step.FilePath == "" {
		out.err = fmt.Errorf("step %d: no file_path specified", step.StepNumber)
		return out
	}
	if err := ctx.Err(); err != nil {
		out.err = fmt.Errorf("step %d: %w", step.StepNumber, err)
		return out
	}

	desc := language.ForPath(step.FilePath)
	system := systemPromptFor(desc.Template)

	switch step.Action {
	case planning.ActionCreate:
		code, err := e.generate(ctx, buildCreatePrompt(step, desc.ID, plan), system, desc.ID)
		if err != nil {
			out.err = fmt.Errorf("step %d (%s): %w", step.StepNumber, step.FilePath, err)
			return out
		}
		out.content = code

	case planning.ActionModify:
		current, err := pending.current(step.FilePath)
		if err != nil {
			out.err = fmt.Errorf("step %d (%s): %w", step.StepNumber, step.FilePath, err)
			return out
		}
		original := ""
		if current != nil {
			original = *current
		}
		code, err := e.generate(ctx, buildModifyPrompt(step, desc.ID, original, e.contextLines), system, desc.ID)
		if err != nil {
			out.err = fmt.Errorf("step %d (%s): %w", step.StepNumber, step.FilePath, err)
			return out
		}
		if len(code) < e.minOutputChars && len(original) > e.minOriginalChars {
			e.logger.Warn("modification output too short, appending TODO to original",
				"file_path", step.FilePath, "output_chars", len(code))
			code = original + fmt.Sprintf("\n\n# TODO: %s\n", step.CodeIntent)
		}
		out.content = code

	case planning.ActionDelete:

	default:
		out.err = fmt.Errorf("step %d (%s): unknown action %q", step.StepNumber, step.FilePath, step.Action)
	}
	return out
}

func (e *Engine) generate(ctx context.Context, prompt, system string, lang language.ID) (string, error) {
	res, err := e.gen.Generate(ctx, generation.Request{
		Prompt:      prompt,
		System:      system,
		Temperature: generation.Float32(generationTemperature),
		MaxTokens:   generationMaxTokens,
	})
	if err != nil {
		return "", err
	}
	if !res.OK() {
		return "", fmt.Errorf("generation rate limited, retry after %s", res.RetryAfter)
	}
	return extractCode(res.Text, lang), nil
}

func (e *Engine) merge(res *Result, pending *pendingSet, o stepOutcome) {
	if o.err == nil {
		o.err = pending.record(o.step, o.content)
	}
	if o.err != nil {
		e.logger.Error("step failed", "step", o.step.StepNumber, "file_path", o.step.FilePath, "error", o.err)
		res.Errors = append(res.Errors, o.err.Error())
		res.Success = false
		return
	}

	res.FilesGenerated++
	switch o.step.Action {
	case planning.ActionCreate:
		res.FilesCreated = append(res.FilesCreated, o.step.FilePath)
	case planning.ActionModify:
		res.FilesModified = append(res.FilesModified, o.step.FilePath)
	case planning.ActionDelete:
		res.FilesDeleted = append(res.FilesDeleted, o.step.FilePath)
	}
}

// pendingSet holds at most one diff per file for the run. A later step touching
// a file that an earlier step already changed sees that earlier content, and its
// diff replaces the earlier one, measured against what is on disk.
type pendingSet struct {
	mu     sync.Mutex
	engine DiffEngine
	order  []string
	diffs  map[string]*mutation.FileDiff
	base   map[string]*string
}

func newPendingSet(engine DiffEngine) *pendingSet {
	return &pendingSet{
		engine: engine,
		diffs:  make(map[string]*mutation.FileDiff),
		base:   make(map[string]*string),
	}
}

// current is the content a step should see: the pending change if any, else disk
func (p *pendingSet) current(path string) (*string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if d, ok := p.diffs[path]; ok {
		if d.Operation == mutation.OpDelete {
			return nil, nil
		}
		return d.NewContent, nil
	}
	if _, touched := p.base[path]; touched {
		return p.base[path], nil
	}
	return p.engine.Read(path)
}

func (p *pendingSet) record(step planning.Step, content string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	path := step.FilePath
	base, touched := p.base[path]
	if !touched {
		d, err := p.engine.BuildDiff(path, content, mutation.Operation(step.Action), nil)
		if err != nil {
			return fmt.Errorf("step %d (%s): %w", step.StepNumber, path, err)
		}
		if d.Operation == mutation.OpCreate {
			p.base[path] = nil
		} else {
			p.base[path] = d.OriginalContent
		}
		p.order = append(p.order, path)
		p.diffs[path] = d
		return nil
	}

	deleting := step.Action == planning.ActionDelete
	var (
		d   *mutation.FileDiff
		err error
	)
	switch {
	case base == nil && deleting:
		delete(p.diffs, path)
		return nil
	case base == nil:
		d, err = p.engine.BuildDiff(path, content, mutation.OpCreate, nil)
	case deleting:
		d, err = p.engine.BuildDiff(path, "", mutation.OpDelete, base)
	default:
		d, err = p.engine.BuildDiff(path, content, mutation.OpModify, base)
	}
	if err != nil {
		return fmt.Errorf("step %d (%s): %w", step.StepNumber, path, err)
	}
	p.diffs[path] = d
	return nil
}

// list returns the pending diffs in the order their files were first touched
func (p *pendingSet) list() []*mutation.FileDiff {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*mutation.FileDiff, 0, len(p.diffs))
	for _, path := range p.order {
		if d, ok := p.diffs[path]; ok {
			out = append(out, d)
		}
	}
	return out
}
