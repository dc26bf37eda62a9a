package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lyzr/pevr/common/logger"
)

var (
	// Global flags
	jsonOutput   bool
	workspaceDir string
	verbose      bool
)

// rootCmd is the root command for pevr
var rootCmd = &cobra.Command{
	Use:   "pevr",
	Short: "Plan, execute, verify and reflect on code changes",
	Long: `pevr drives a code change through four phases against a local workspace:
it plans the change, generates and applies the diffs, runs the project's tests
and linters, and reflects on the outcome. Failed verification rolls every
applied diff back.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workspaceDir, "workspace", "w", ".", "project directory to operate on")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log engine activity to stderr")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(backupsCmd)
	rootCmd.AddCommand(verifyCmd)
}

// newLogger logs to stderr so stdout stays clean for results
func newLogger() *logger.Logger {
	if !verbose {
		return logger.Discard()
	}
	return logger.NewWithWriter(os.Stderr, "debug", "text")
}

// resolveWorkspace returns the absolute workspace path after checking it is a directory
func resolveWorkspace() (string, error) {
	root, err := filepath.Abs(workspaceDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return "", fmt.Errorf("workspace %s: %w", root, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("workspace %s is not a directory", root)
	}
	return root, nil
}
