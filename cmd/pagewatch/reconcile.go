package main

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"pagewatch/internal/scheduler"
)

func newReconcileCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Show which recurring jobs the stored tasks would produce",
		Long:  "Runs a full reconciliation against a scheduler that is never started, so nothing is enqueued, and prints the result. The running server reconciles on start and through its ops API.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			tasks, err := a.store.ListTasks(ctx)
			if err != nil {
				return err
			}
			loc := a.cfg.Location()
			dry := scheduler.NewCronScheduler(loc, a.log)
			rec := scheduler.NewReconciler(dry, a.queue, a.cfg.Worker.LockTimeout, a.cfg.Worker.MaxAttempts, a.log)
			rep := rec.ReconcileAll(ctx, tasks)
			if err := rec.ScheduleRetention(a.cfg.Scheduler.RetentionCron); err != nil {
				return err
			}

			exprs := make(map[string]string, len(tasks)+1)
			for _, t := range tasks {
				exprs[scheduler.JobKey(t.ID)] = t.Schedule
			}
			exprs[scheduler.RetentionKey] = a.cfg.Scheduler.RetentionCron

			now := time.Now().In(loc)
			out := table.NewWriter()
			out.SetOutputMirror(cmd.OutOrStdout())
			out.AppendHeader(table.Row{"Job key", "Cron", "Next run"})
			for _, key := range dry.Keys() {
				next := "-"
				if at, err := scheduler.NextRunTime(exprs[key], now); err == nil {
					next = at.Format(time.RFC3339)
				}
				out.AppendRow(table.Row{key, exprs[key], next})
			}
			out.Render()

			fmt.Fprintf(cmd.OutOrStdout(), "registered %d, unscheduled %d, invalid %d\n", rep.Registered, rep.Removed, rep.Invalid)
			return nil
		},
	}
}
