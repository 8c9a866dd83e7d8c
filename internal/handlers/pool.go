package handlers

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/claworc/scout/internal/sshpool"
)

func (s *Server) PoolStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Stats())
}

// PoolEvents returns the lifecycle history of one endpoint, or of every
// endpoint when the endpoint query parameter is absent.
func (s *Server) PoolEvents(w http.ResponseWriter, r *http.Request) {
	if name := r.URL.Query().Get("endpoint"); name != "" {
		events := s.pool.Events(name)
		if events == nil {
			events = []sshpool.PoolEvent{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"endpoint": name, "events": events})
		return
	}
	writeJSON(w, http.StatusOK, s.pool.AllEvents())
}

// RemoveSession closes and forgets the pooled session for {name}.
func (s *Server) RemoveSession(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !s.pool.Remove(name) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("No pooled session for %s", name))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
