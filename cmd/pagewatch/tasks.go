package main

import (
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"pagewatch/internal/domain"
	"pagewatch/internal/scheduler"
)

func newTasksCmd(opts *rootOptions) *cobra.Command {
	tasksCmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect watch tasks",
	}
	tasksCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List tasks with their job key and next fire time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), opts.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			tasks, err := a.store.ListTasks(cmd.Context())
			if err != nil {
				return err
			}
			renderTasks(cmd.OutOrStdout(), tasks, time.Now().In(a.cfg.Location()))
			return nil
		},
	})
	return tasksCmd
}

func renderTasks(w io.Writer, tasks []domain.Task, now time.Time) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"ID", "Title", "Schedule", "Job key", "Next run", "Last checked"})
	for _, task := range tasks {
		t.AppendRow(table.Row{task.ID, task.Title, scheduleLabel(task), scheduler.JobKey(task.ID), nextRun(task, now), lastChecked(task)})
	}
	t.AppendFooter(table.Row{"", "", "", "", "Total", len(tasks)})
	t.Render()
}

func scheduleLabel(task domain.Task) string {
	switch {
	case strings.TrimSpace(task.Schedule) == "":
		return "-"
	case !task.Enabled:
		return task.Schedule + " (disabled)"
	default:
		return task.Schedule
	}
}

func nextRun(task domain.Task, now time.Time) string {
	if !task.Enabled || strings.TrimSpace(task.Schedule) == "" {
		return "-"
	}
	next, err := scheduler.NextRunTime(task.Schedule, now)
	if err != nil {
		return "invalid schedule"
	}
	return next.Format(time.RFC3339)
}

func lastChecked(task domain.Task) string {
	if task.LastCheckedAt == nil {
		return "never"
	}
	return task.LastCheckedAt.Format(time.RFC3339)
}
