// Package server exposes the orchestrator over HTTP: a streaming search
// endpoint, source health introspection, and a liveness probe.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/shopscout/shopscout/health"
	"github.com/shopscout/shopscout/scout"
	"github.com/shopscout/shopscout/source"
)

// Runner starts one query run and streams its events. Satisfied by
// scout.Orchestrator.
type Runner interface {
	Run(ctx context.Context, query, locale string, sources []source.Source) <-chan scout.Event
}

// Server wires the orchestrator and health monitor to HTTP handlers.
type Server struct {
	runner  Runner
	health  *health.Monitor
	sources []source.Source
	logger  *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a Server over the given runner and source catalogue.
func New(runner Runner, mon *health.Monitor, sources []source.Source, opts ...Option) *Server {
	s := &Server{
		runner:  runner,
		health:  mon,
		sources: sources,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/v1/sources", s.handleSources)
	r.Get("/v1/search", s.handleSearch)
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http: request",
			"method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"bytes", ww.BytesWritten(), "elapsed", time.Since(start).Round(time.Millisecond))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// sourceStatus is one row of the /v1/sources response.
type sourceStatus struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	State             string  `json:"state"`
	SuccessRate       float64 `json:"success_rate"`
	ConsecutiveFails  int     `json:"consecutive_failures"`
	RequiresRendering bool    `json:"requires_rendering"`
	HasAPI            bool    `json:"has_api"`
}

func (s *Server) handleSources(w http.ResponseWriter, _ *http.Request) {
	out := make([]sourceStatus, 0, len(s.sources))
	for _, src := range s.sources {
		rec := s.health.Record(src.ID)
		out = append(out, sourceStatus{
			ID:                src.ID,
			Name:              src.Name,
			State:             rec.State.String(),
			SuccessRate:       rec.SuccessRate(),
			ConsecutiveFails:  rec.ConsecutiveFailures,
			RequiresRendering: src.RequiresRendering,
			HasAPI:            src.HasAPI,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": out})
}

// handleSearch streams run events as NDJSON, one event per line, flushed as
// they arrive so clients see results while slower sources are still running.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing q parameter"})
		return
	}
	locale := r.URL.Query().Get("locale")

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	for ev := range s.runner.Run(r.Context(), query, locale, s.sources) {
		if err := enc.Encode(ev); err != nil {
			s.logger.Debug("http: client gone mid-stream", "error", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
