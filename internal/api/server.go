package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"pagewatch/internal/domain"
	"pagewatch/internal/metrics"
	"pagewatch/internal/queue"
	"pagewatch/internal/scheduler"
	"pagewatch/internal/store"
)

type TaskStore interface {
	GetTask(ctx context.Context, id int64) (domain.Task, error)
}

type NotificationStore interface {
	ListNotifications(ctx context.Context, limit int) ([]domain.Notification, error)
	DeleteNotification(ctx context.Context, id int64) error
}

type JobStore interface {
	Get(ctx context.Context, id string) (domain.Job, error)
	ListRecent(ctx context.Context, limit int) ([]domain.Job, error)
}

// Scheduling is the single-task hook used after a task is created, edited,
// deleted or run by hand.
type Scheduling interface {
	Reconcile(ctx context.Context, t domain.Task) error
	Forget(taskID int64)
	Trigger(ctx context.Context, taskID int64) (string, error)
}

type Deps struct {
	Tasks         TaskStore
	Notifications NotificationStore
	Jobs          JobStore
	Scheduling    Scheduling
}

type Server struct {
	r    *chi.Mux
	deps Deps
}

const maxListLimit = 500

func NewServer(deps Deps, logger zerolog.Logger) http.Handler {
	return NewServerWithDebug(deps, logger, false)
}

func NewServerWithDebug(deps Deps, logger zerolog.Logger, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		hlog.NewHandler(logger.With().Str("component", "api").Logger()),
		hlog.AccessHandler(accessLog),
		middleware.Recoverer,
		recordMetrics,
	)

	s := &Server{r: r, deps: deps}

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks/{id}/run", s.runTask)
		r.Post("/tasks/{id}/reconcile", s.reconcileTask)
		r.Delete("/tasks/{id}/schedule", s.forgetTask)
		r.Get("/notifications", s.listNotifications)
		r.Delete("/notifications/{id}", s.deleteNotification)
		r.Get("/jobs", s.listJobs)
		r.Get("/jobs/{id}", s.getJob)
	})

	// Debug routes (pprof)
	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func accessLog(r *http.Request, status, size int, duration time.Duration) {
	hlog.FromRequest(r).Debug().
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Int("size", size).
		Dur("duration", duration).
		Msg("request")
}

// recordMetrics counts requests by route pattern, so /api/jobs/{id} is one
// series however many jobs exist.
func recordMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		if route == "/metrics" {
			return
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.RecordRequest(r.Method, route, status)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type runResp struct {
	JobID  string `json:"job_id"`
	JobKey string `json:"job_key"`
}

func (s *Server) runTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	id, err := s.deps.Scheduling.Trigger(r.Context(), task.ID)
	if errors.Is(err, queue.ErrDuplicate) {
		http.Error(w, "a check of this task is already queued or running", http.StatusConflict)
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Int64("task_id", task.ID).Msg("trigger task")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, runResp{JobID: id, JobKey: scheduler.JobKey(task.ID)})
}

func (s *Server) reconcileTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	if err := s.deps.Scheduling.Reconcile(r.Context(), task); err != nil {
		http.Error(w, "schedule not accepted: "+err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) forgetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	s.deps.Scheduling.Forget(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	items, err := s.deps.Notifications.ListNotifications(r.Context(), limit)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("list notifications")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) deleteNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	err := s.deps.Notifications.DeleteNotification(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Int64("notification_id", id).Msg("delete notification")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	jobs, err := s.deps.Jobs.ListRecent(r.Context(), limit)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("list jobs")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	items := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		items = append(items, jobJSON(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.deps.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("get job")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, jobJSON(j))
}

func jobJSON(j domain.Job) map[string]any {
	out := map[string]any{
		"id":           j.ID,
		"type":         j.Type,
		"key":          j.Key,
		"state":        j.State,
		"attempts":     j.Attempts,
		"max_attempts": j.MaxAttempts,
		"next_run_at":  j.NextRunAt.Format(time.RFC3339),
	}
	if j.LastError != "" {
		out["last_error"] = j.LastError
	}
	return out
}

func (s *Server) loadTask(w http.ResponseWriter, r *http.Request) (domain.Task, bool) {
	id, ok := parseID(w, r)
	if !ok {
		return domain.Task{}, false
	}
	task, err := s.deps.Tasks.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return domain.Task{}, false
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Int64("task_id", id).Msg("load task")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return domain.Task{}, false
	}
	return task, true
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 50, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return 0, false
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
