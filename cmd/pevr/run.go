package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lyzr/pevr/common/bootstrap"
	"github.com/lyzr/pevr/common/config"
	"github.com/lyzr/pevr/common/models"
	"github.com/lyzr/pevr/common/pevr"
	"github.com/lyzr/pevr/common/planning"
	"github.com/lyzr/pevr/common/reflection"
	"github.com/lyzr/pevr/common/stack"
)

var (
	runApprove   bool
	runDryRun    bool
	runProject   string
	runProfile   string
	runNoConfirm bool
)

var runCmd = &cobra.Command{
	Use:   "run [flags] \"intent\"",
	Short: "Run one plan/execute/verify/reflect cycle",
	Long: `Plan the requested change, generate and apply the diffs, verify the
workspace and reflect on the outcome.

Plans that require approval are shown first and confirmed interactively.
Use --approve to pre-approve, or --dry-run to validate the diffs without
writing them.

Generation is configured through GENERATION_API_KEY, GENERATION_MODEL and
GENERATION_BASE_URL. Lessons are kept in Redis when REDIS_ADDR is set.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		root, err := resolveWorkspace()
		if err != nil {
			return err
		}

		profile, err := loadProfile(root, runProfile)
		if err != nil {
			return err
		}

		project := runProject
		if project == "" {
			project = filepath.Base(root)
		}

		cfg, err := config.Load("pevr")
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		log := newLogger()

		components, err := bootstrap.Setup(ctx, "pevr",
			bootstrap.WithCustomConfig(cfg),
			bootstrap.WithCustomLogger(log),
			bootstrap.WithoutDB(),
			bootstrap.WithoutTelemetry(),
		)
		if err != nil {
			return err
		}
		defer components.Shutdown(context.Background())

		engines, err := stack.Build(cfg, components.Redis, log, nil)
		if err != nil {
			return err
		}

		a := pevr.NewAction(project, root, strings.Join(args, " "))
		a.Profile = profile
		if runApprove {
			now := time.Now().UTC()
			a.Approved = true
			a.ApprovedAt = &now
		}

		out := cmd.OutOrStdout()
		res := engines.Orchestrator.Run(ctx, a, pevr.RunOptions{DryRun: runDryRun})

		if res.RequiresApproval && res.Status == models.ActionPending {
			res, err = decide(ctx, engines.Orchestrator, a, res, advise(ctx, engines, a), cmd.InOrStdin(), out)
			if err != nil {
				return err
			}
		}

		if jsonOutput {
			if err := outputJSON(out, res); err != nil {
				return err
			}
		} else {
			printCycle(out, res)
		}

		if !res.Success && res.Status != models.ActionCancelled {
			return fmt.Errorf("cycle %s", res.Status)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&runApprove, "approve", false, "pre-approve plans that require approval")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "validate diffs without writing them")
	runCmd.Flags().StringVar(&runProject, "project", "", "project id for lessons (default: workspace directory name)")
	runCmd.Flags().StringVar(&runProfile, "profile", "", "JSON project profile to plan with (default: scan the workspace)")
	runCmd.Flags().BoolVar(&runNoConfirm, "no-confirm", false, "reject plans that require approval instead of prompting")
}

// approver is the part of the orchestrator the confirmation step needs
type approver interface {
	Run(ctx context.Context, a *pevr.Action, opts pevr.RunOptions) *pevr.CycleResult
	Approve(ctx context.Context, a *pevr.Action) error
	Reject(ctx context.Context, a *pevr.Action) error
}

// advise draws suggestions for a paused plan from the project's lessons
func advise(ctx context.Context, engines *stack.Stack, a *pevr.Action) []string {
	if a.Plan == nil {
		return nil
	}
	lessons, err := engines.Reflector.Store().Load(ctx, a.ProjectID)
	if err != nil {
		return nil
	}
	return reflection.Suggestions(lessons, a.Plan.Summary, a.Plan.Risks, 0)
}

// decide shows a paused plan and resumes or rejects it on the user's answer
func decide(ctx context.Context, o approver, a *pevr.Action, paused *pevr.CycleResult, advice []string, in io.Reader, out io.Writer) (*pevr.CycleResult, error) {
	printPlan(out, paused.Plan)
	if len(advice) > 0 {
		PrintSection(out, "Suggestions")
		for _, s := range advice {
			_, _ = dimColor.Fprintf(out, "  → %s\n", s)
		}
	}
	fmt.Fprintln(out)

	ok := false
	if !runNoConfirm {
		var err error
		ok, err = confirm(in, out, "Apply this plan?")
		if err != nil {
			return nil, err
		}
	}

	if !ok {
		if err := o.Reject(ctx, a); err != nil {
			return nil, err
		}
		PrintWarning(out, "plan rejected")
		res := *paused
		res.Status = a.Status
		res.RequiresApproval = false
		return &res, nil
	}

	if err := o.Approve(ctx, a); err != nil {
		return nil, err
	}
	return o.Run(ctx, a, pevr.RunOptions{DryRun: runDryRun}), nil
}

func confirm(in io.Reader, out io.Writer, question string) (bool, error) {
	_, _ = warningColor.Fprintf(out, "%s [y/N] ", question)
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("failed to read answer: %w", err)
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes", nil
}

// loadProfile reads a profile file, or scans the workspace when path is empty
func loadProfile(root, path string) (planning.Profile, error) {
	if path == "" {
		return scanProfile(root)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return planning.Profile{}, fmt.Errorf("failed to read profile: %w", err)
	}
	var p planning.Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return planning.Profile{}, fmt.Errorf("failed to parse profile %s: %w", path, err)
	}
	return p, nil
}
