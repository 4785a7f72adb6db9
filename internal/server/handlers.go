package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/adgen-dev/adgen/internal/config"
	"github.com/adgen-dev/adgen/internal/costs"
	"github.com/adgen-dev/adgen/internal/pkg/apierr"
	"github.com/adgen-dev/adgen/internal/pkg/respond"
	"github.com/adgen-dev/adgen/internal/run"
	"github.com/adgen-dev/adgen/internal/store"
)

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// getConfig handles GET /api/config.
func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	s.docMu.RLock()
	cfg := *s.cfg
	s.docMu.RUnlock()
	respond.OK(w, cfg)
}

// putConfig handles PUT /api/config. A document that fails validation is
// rejected whole; neither memory nor disk changes.
func (s *Server) putConfig(w http.ResponseWriter, r *http.Request) {
	var cfg config.RunConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		respond.Error(w, apierr.ErrBadRequest.WithMessage("Invalid config body: "+err.Error()))
		return
	}
	if errs, _ := cfg.Validate(); len(errs) > 0 {
		respond.Error(w, apierr.ErrConfigInvalid.WithDetails(map[string]any{"errors": errs}))
		return
	}

	data, err := cfg.MarshalYAMLDoc()
	if err != nil {
		respond.InternalError(w)
		return
	}
	if err := store.WriteFileAtomic(s.cfgPath, data); err != nil {
		s.logger.Error("persist config failed", "error", err)
		respond.InternalError(w)
		return
	}

	s.docMu.Lock()
	s.cfg = &cfg
	s.docMu.Unlock()
	respond.NoContent(w)
}

// validateConfig handles POST /api/config/validate. It never mutates state.
func (s *Server) validateConfig(w http.ResponseWriter, r *http.Request) {
	var cfg config.RunConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		respond.Error(w, apierr.ErrBadRequest.WithMessage("Invalid config body: "+err.Error()))
		return
	}
	errs, warnings := cfg.Validate()
	respond.OK(w, map[string]any{
		"valid":    len(errs) == 0,
		"errors":   errs,
		"warnings": warnings,
	})
}

// getTemplate handles GET /api/template.
func (s *Server) getTemplate(w http.ResponseWriter, r *http.Request) {
	s.docMu.RLock()
	tpl := *s.tpl
	s.docMu.RUnlock()
	respond.OK(w, tpl)
}

// putTemplate handles PUT /api/template.
func (s *Server) putTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl config.Template
	if err := json.NewDecoder(r.Body).Decode(&tpl); err != nil {
		respond.Error(w, apierr.ErrBadRequest.WithMessage("Invalid template body: "+err.Error()))
		return
	}
	if errs, _ := tpl.Validate(); len(errs) > 0 {
		respond.Error(w, apierr.ErrTemplateInvalid.WithDetails(map[string]any{"errors": errs}))
		return
	}

	data, err := tpl.MarshalYAMLDoc()
	if err != nil {
		respond.InternalError(w)
		return
	}
	if err := store.WriteFileAtomic(s.tplPath, data); err != nil {
		s.logger.Error("persist template failed", "error", err)
		respond.InternalError(w)
		return
	}

	s.docMu.Lock()
	s.tpl = &tpl
	s.docMu.Unlock()
	respond.NoContent(w)
}

// startRun handles POST /api/run. The single run slot makes concurrent
// starts race-free: exactly one wins, the rest get 409.
func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	rn, err := s.registry.Start(s.runCtx, func() (*run.Orchestrator, error) {
		cfg, tpl := s.snapshotDocs()
		return run.New(cfg, tpl, s.logger)
	})
	if err != nil {
		switch {
		case errors.Is(err, run.ErrRunActive):
			respond.Error(w, apierr.ErrRunInProgress)
		case errors.Is(err, run.ErrCredentialMissing),
			errors.Is(err, run.ErrOutDirUnwritable):
			respond.Error(w, apierr.ErrBadRequest.WithMessage(err.Error()))
		default:
			respond.Error(w, apierr.ErrConfigInvalid.WithMessage(err.Error()))
		}
		return
	}
	respond.OK(w, map[string]string{"run_id": rn.ID})
}

// currentRun handles GET /api/run/current.
func (s *Server) currentRun(w http.ResponseWriter, r *http.Request) {
	var id *string
	if rn := s.registry.Active(); rn != nil {
		id = &rn.ID
	}
	respond.OK(w, map[string]any{"run_id": id})
}

// runStatus handles GET /api/run/{id}.
func (s *Server) runStatus(w http.ResponseWriter, r *http.Request) {
	rn := s.registry.Find(chi.URLParam(r, "id"))
	if rn == nil {
		respond.NotFound(w, "run")
		return
	}
	respond.OK(w, rn.Snapshot())
}

// cancelRun handles POST /api/run/{id}/cancel.
func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	rn := s.registry.Find(chi.URLParam(r, "id"))
	if rn == nil {
		respond.NotFound(w, "run")
		return
	}
	s.registry.Cancel()
	respond.NoContent(w)
}

// listImages handles GET /api/images over the configured output directory.
func (s *Server) listImages(w http.ResponseWriter, r *http.Request) {
	items, err := store.List(s.outDir())
	if err != nil {
		if os.IsNotExist(err) {
			respond.OK(w, []store.ImageInfo{})
			return
		}
		s.logger.Error("list images failed", "error", err)
		respond.InternalError(w)
		return
	}
	respond.OK(w, items)
}

// costSummary handles GET /api/costs. It scans the parent of the output
// directory so sibling run directories contribute, falling back to the
// directory itself when it has no usable parent.
func (s *Server) costSummary(w http.ResponseWriter, r *http.Request) {
	dir := s.outDir()
	root := filepath.Dir(filepath.Clean(dir))
	if root == "." || root == "/" || root == "" {
		root = dir
	}
	sum, err := costs.Summarize(root)
	if err != nil {
		s.logger.Error("cost summary failed", "error", err)
		respond.InternalError(w)
		return
	}
	respond.OK(w, sum)
}

// serveImage handles GET /images/{name}, refusing names that would escape
// the artifact directory.
func (s *Server) serveImage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	path, err := store.SafePath(s.outDir(), name)
	if err != nil {
		respond.Error(w, apierr.ErrPathUnsafe)
		return
	}
	if _, err := os.Stat(path); err != nil {
		respond.NotFound(w, "image")
		return
	}
	http.ServeFile(w, r, path)
}
