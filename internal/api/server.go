// Package api exposes the status HTTP interface: log queries, statistics,
// metrics, and a manual retry trigger.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/digestry/digestry/internal/joblog"
	"github.com/digestry/digestry/internal/scheduler"
)

// Server wires HTTP handlers to the outcome log and retry scheduler.
type Server struct {
	router chi.Router
	log    *joblog.Logger
	sched  *scheduler.Scheduler
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(log *joblog.Logger, sched *scheduler.Scheduler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{log: log, sched: sched, logger: logger}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", s.stats)
		r.Get("/jobs/failed", s.failedJobs)
		r.Post("/retry", s.retry)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	stats, err := s.log.Stats()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) failedJobs(w http.ResponseWriter, _ *http.Request) {
	failed, err := s.log.Failed()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"failed": failed, "count": len(failed)})
}

func (s *Server) retry(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		s.writeError(w, http.StatusServiceUnavailable, errSchedulerDisabled)
		return
	}
	count, err := s.sched.RunOnce(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"resubmitted": count})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("encode response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

type schedulerDisabledError struct{}

func (schedulerDisabledError) Error() string { return "retry scheduler is not configured" }

var errSchedulerDisabled = schedulerDisabledError{}
