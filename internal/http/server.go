// Package http exposes job management and observability over a loopback
// HTTP API. Route plumbing only; all behavior lives in the core packages.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/jobrunner/internal/scheduler"
	"github.com/nextlevelbuilder/jobrunner/internal/store"
)

// Server is the API front-end over the store and the run controller.
type Server struct {
	store     *store.Store
	sched     *scheduler.Controller
	startedAt time.Time
	httpSrv   *http.Server
}

// NewServer creates the API server bound to 127.0.0.1:port.
func NewServer(s *store.Store, sched *scheduler.Controller, port int) *Server {
	srv := &Server{
		store:     s,
		sched:     sched,
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", srv.handleHealth)
	mux.HandleFunc("GET /jobs", srv.handleListJobs)
	mux.HandleFunc("GET /jobs/{id}", srv.handleGetJob)
	mux.HandleFunc("GET /jobs/{id}/runs", srv.handleListRuns)
	mux.HandleFunc("POST /jobs/{id}/run", srv.handleTrigger)
	mux.HandleFunc("POST /jobs/{id}/enable", srv.handleSetEnabled(true))
	mux.HandleFunc("POST /jobs/{id}/disable", srv.handleSetEnabled(false))
	mux.HandleFunc("GET /stats", srv.handleStats)

	srv.httpSrv = &http.Server{
		Addr:              net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

// ListenAndServe blocks until the server exits.
func (s *Server) ListenAndServe() error {
	slog.Info("http api listening", "addr", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"ok":     true,
		"uptime": int64(time.Since(s.startedAt).Seconds()),
	}
	if failed := s.sched.Registry().GetFailedRegistrations(); len(failed) > 0 {
		body["failedRegistrations"] = failed
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobSummaries()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list jobs: %s", err)
		return
	}
	if jobs == nil {
		jobs = []store.JobSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job %s not found", r.PathValue("id"))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get job: %s", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetJob(id); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job %s not found", id)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	runs, err := s.store.ListRuns(id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list runs: %s", err)
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	result, err := s.sched.TriggerJob(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job %s not found", id)
		return
	}
	if errors.Is(err, scheduler.ErrBackpressure) {
		writeError(w, http.StatusTooManyRequests, "%s", err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "trigger: %s", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (s *Server) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		err := s.store.SetJobEnabled(id, enabled)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job %s not found", id)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "set enabled: %s", err)
			return
		}
		if _, err := s.sched.ReconcileNow(); err != nil {
			slog.Error("reconcile after toggle failed", "job", id, "error", err)
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	total, err := s.store.CountJobs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stats: %s", err)
		return
	}

	hourAgo := time.Now().Add(-time.Hour).UnixMilli()
	okLastHour, err := s.store.CountRunsSince(hourAgo, store.RunOK)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stats: %s", err)
		return
	}
	errorsLastHour, err := s.store.CountRunsSince(hourAgo, store.RunError, store.RunTimeout)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stats: %s", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"totalJobs":           total,
		"running":             s.sched.RunningCount(),
		"failedRegistrations": len(s.sched.Registry().GetFailedRegistrations()),
		"okLastHour":          okLastHour,
		"errorsLastHour":      errorsLastHour,
	})
}
