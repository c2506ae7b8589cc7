package main

import (
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "pagewatch",
		Short:         "Scheduled web page watcher with AI judged checks",
		Long:          "pagewatch checks web pages on a cron schedule, asks a language model whether each page matches its prompt, and reports the verdict by email or Telegram.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file (PAGEWATCH_* variables override it)")

	cmd.AddCommand(
		newServeCmd(opts),
		newSweepCmd(opts),
		newTasksCmd(opts),
		newTokenCmd(opts),
		newReconcileCmd(opts),
	)
	return cmd
}
