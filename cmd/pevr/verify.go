package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lyzr/pevr/common/config"
	"github.com/lyzr/pevr/common/stack"
)

var verifyCmd = &cobra.Command{
	Use:   "verify [file...]",
	Short: "Run tests, syntax checks and linters against the workspace",
	Long: `Run the workspace's test suite, then syntax-check and lint the named
files. Paths are relative to the workspace. With no files only the tests run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		root, err := resolveWorkspace()
		if err != nil {
			return err
		}
		cfg, err := config.Load("pevr")
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		files := make([]string, 0, len(args))
		for _, f := range args {
			files = append(files, filepath.ToSlash(filepath.Clean(f)))
		}

		report, err := stack.NewVerifier(cfg, newLogger()).Verify(ctx, root, files)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			if err := outputJSON(out, report); err != nil {
				return err
			}
		} else {
			printVerification(out, report)
		}

		if !report.Passed {
			return fmt.Errorf("verification failed")
		}
		return nil
	},
}
