package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"pagewatch/internal/api"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, the worker pool and the ops API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts.configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	if n, err := a.queue.RecoverStale(ctx, time.Now()); err == nil {
		a.log.Info().Int("recovered", n).Msg("recovered stale running jobs")
	} else {
		a.log.Warn().Err(err).Msg("recover stale jobs")
	}

	tasks, err := a.store.ListTasks(ctx)
	if err != nil {
		return err
	}
	a.reconciler.ReconcileAll(ctx, tasks)
	if err := a.reconciler.ScheduleRetention(a.cfg.Scheduler.RetentionCron); err != nil {
		return err
	}
	a.sched.Start()

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		a.pool.Run(ctx)
	}()

	srv := &http.Server{
		Addr: a.cfg.Server.Addr,
		Handler: api.NewServerWithDebug(api.Deps{
			Tasks:         a.store,
			Notifications: a.store,
			Jobs:          a.queue,
			Scheduling:    a.reconciler,
		}, a.log, a.cfg.Server.Debug),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", srv.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		err = nil
	case err = <-srvErr:
		a.log.Error().Err(err).Msg("http server")
	}

	a.log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	a.sched.Stop(shutdownCtx)
	a.pool.Stop()
	select {
	case <-poolDone:
	case <-shutdownCtx.Done():
		a.log.Warn().Msg("worker pool did not drain before shutdown timeout")
	}
	return err
}
