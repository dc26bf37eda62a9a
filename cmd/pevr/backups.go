package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lyzr/pevr/common/config"
	"github.com/lyzr/pevr/common/mutation"
	"github.com/lyzr/pevr/common/stack"
)

var pruneRetention time.Duration

var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "Manage the workspace backup directory",
}

var backupsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete backups older than the retention window",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := resolveWorkspace()
		if err != nil {
			return err
		}
		cfg, err := config.Load("pevr")
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		opts := append(stack.MutationOptions(cfg), mutation.WithBackupRetention(pruneRetention))
		engine, err := mutation.NewEngine(root, newLogger(), opts...)
		if err != nil {
			return err
		}

		removed, err := engine.CleanupBackups()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return outputJSON(out, map[string]interface{}{
				"backup_dir": engine.BackupDir(),
				"removed":    removed,
			})
		}
		PrintSuccess(out, fmt.Sprintf("removed %d backup%s older than %s", removed, plural(removed), pruneRetention))
		return nil
	},
}

func init() {
	backupsPruneCmd.Flags().DurationVar(&pruneRetention, "retention", mutation.DefaultBackupRetention, "keep backups newer than this")
	backupsCmd.AddCommand(backupsPruneCmd)
}
