// Package server exposes the HTTP control surface: config and template
// editing, run control, the SSE event feed, artifact browsing and cost
// reporting.
package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adgen-dev/adgen/internal/config"
	"github.com/adgen-dev/adgen/internal/middleware"
	"github.com/adgen-dev/adgen/internal/run"
)

// Server owns the editable documents and the run registry. The documents are
// guarded by docMu; an orchestrator snapshots them at start, so edits during
// a run only affect the next one.
type Server struct {
	logger  *slog.Logger
	cfgPath string
	tplPath string

	docMu sync.RWMutex
	cfg   *config.RunConfig
	tpl   *config.Template

	registry *run.Registry

	// runCtx outlives individual requests so a run keeps going after the
	// POST that started it returns.
	runCtx context.Context
}

// New loads the documents and assembles a server. runCtx bounds the lifetime
// of every run it starts; cancel it on shutdown.
func New(runCtx context.Context, logger *slog.Logger, cfgPath, tplPath string) (*Server, error) {
	cfg, err := config.LoadRunConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	tpl, err := config.LoadTemplate(tplPath)
	if err != nil {
		return nil, err
	}
	return &Server{
		logger:   logger,
		cfgPath:  cfgPath,
		tplPath:  tplPath,
		cfg:      cfg,
		tpl:      tpl,
		registry: run.NewRegistry(),
		runCtx:   runCtx,
	}, nil
}

// Routes builds the full router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(s.logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())
	r.Use(middleware.Metrics())

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		// The SSE feed must not inherit a write deadline; everything else
		// gets one.
		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(30 * time.Second))

			r.Get("/config", s.getConfig)
			r.Put("/config", s.putConfig)
			r.Post("/config/validate", s.validateConfig)

			r.Get("/template", s.getTemplate)
			r.Put("/template", s.putTemplate)

			r.Post("/run", s.startRun)
			r.Get("/run/current", s.currentRun)
			r.Get("/run/{id}", s.runStatus)
			r.Post("/run/{id}/cancel", s.cancelRun)

			r.Get("/images", s.listImages)
			r.Get("/costs", s.costSummary)
		})

		r.Get("/run/{id}/events", s.runEvents)
	})

	r.Get("/images/{name}", s.serveImage)

	return r
}

// snapshotDocs copies the current documents for a run to own.
func (s *Server) snapshotDocs() (config.RunConfig, config.Template) {
	s.docMu.RLock()
	defer s.docMu.RUnlock()
	return *s.cfg, *s.tpl
}

// outDir returns the currently configured output directory.
func (s *Server) outDir() string {
	s.docMu.RLock()
	defer s.docMu.RUnlock()
	return s.cfg.OutDir
}
