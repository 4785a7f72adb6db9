package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/adgen-dev/adgen/internal/pkg/respond"
)

// keepaliveInterval paces SSE comment frames so idle proxies keep the
// connection open.
const keepaliveInterval = 15 * time.Second

// runEvents handles GET /api/run/{id}/events as a server-sent event stream.
// A late subscriber gets the retained Started and terminal events replayed
// before the stream closes; an unknown id is a plain 404.
func (s *Server) runEvents(w http.ResponseWriter, r *http.Request) {
	rn := s.registry.Find(chi.URLParam(r, "id"))
	if rn == nil {
		respond.NotFound(w, "run")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respond.InternalError(w)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, cancel := rn.Bus.Subscribe()
	defer cancel()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case ev, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
