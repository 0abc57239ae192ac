// Package server exposes the read-only status API: job, run, and task
// state over HTTP for dashboards and the info/list CLI verbs pointed at a
// remote tracker.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/htgrid/htgrid/internal/config"
	"github.com/htgrid/htgrid/pkg/store"
)

type Server struct {
	st      *store.Store
	log     *zap.Logger
	http    *http.Server
	cfg     config.Server
	version string
}

func New(cfg config.Server, st *store.Store, log *zap.Logger, version string) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if version == "" {
		version = "dev"
	}
	s := &Server{st: st, log: log, cfg: cfg, version: version}
	s.http = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLog)
	r.Use(s.recovery)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such route")
	})

	r.Get("/healthz", s.handleHealth)
	r.Get("/version", s.handleVersion)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Post("/tasks/{id}/retry", s.handleRetryTask)
		r.Post("/tasks/{id}/kill", s.handleKillTask)
	})
	return r
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run serves until the context ends, then drains connections within the
// configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info("status api listening", zap.String("addr", s.http.Addr))
		errc <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}
