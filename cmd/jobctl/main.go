package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := newRootCmd(&env{})
	if err := root.Execute(); err != nil {
		slog.Error("command failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func newRootCmd(env *env) *cobra.Command {
	root := &cobra.Command{
		Use:           "jobctl",
		Short:         "Operate pgqueue queues, failed jobs and workers",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&env.configPath, "config", "", "Path to configuration file (default $JOBCTL_CONFIG_PATH or configs/worker-service/config.yaml)")

	root.AddCommand(
		migrateCmd(env),
		enqueueCmd(env),
		failedCmd(env),
		workersCmd(env),
		stopCmd(env),
		pruneCmd(env),
		sweepCmd(env),
		clearCmd(env),
	)
	return root
}
