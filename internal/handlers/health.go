package handlers

import (
	"net/http"
	"strconv"

	"github.com/gluk-w/claworc/scout/internal/logging"
)

func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disabled"
	if s.db != nil {
		dbStatus = "disconnected"
		if sqlDB, err := s.db.DB(); err == nil {
			if err := sqlDB.PingContext(r.Context()); err == nil {
				dbStatus = "connected"
			}
		}
	}

	status := "healthy"
	if dbStatus == "disconnected" {
		status = "unhealthy"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"database":  dbStatus,
		"endpoints": s.registry.Len(),
		"pooled":    s.pool.Len(),
	})
}

// maxServerLogLines caps the lines query parameter of GetServerLogs.
const maxServerLogLines = 10000

// GetServerLogs returns the last lines of the server log, 200 by default and
// at most maxServerLogLines.
func (s *Server) GetServerLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if q := r.URL.Query().Get("lines"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			lines = min(n, maxServerLogLines)
		}
	}

	content, err := logging.ReadTail(s.logPath, lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": content})
}
