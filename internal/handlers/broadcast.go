package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gluk-w/claworc/scout/internal/broadcast"
)

type broadcastRequest struct {
	// Targets are "endpoint" or "endpoint:/path" strings.
	Targets        []string `json:"targets"`
	Command        string   `json:"command"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

// Broadcast runs a command, or reads a path when no command is given, on
// every target. Per-target failures are reported in the results with a 200.
func (s *Server) Broadcast(w http.ResponseWriter, r *http.Request) {
	var body broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.TimeoutSeconds < 0 {
		writeError(w, http.StatusBadRequest, "timeout_seconds must not be negative")
		return
	}

	targets := make([]broadcast.Target, 0, len(body.Targets))
	for _, raw := range body.Targets {
		t, err := broadcast.ParseTarget(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		targets = append(targets, t)
	}

	op := broadcast.Operation{Kind: broadcast.OpRead}
	if body.Command != "" {
		op = broadcast.Operation{Kind: broadcast.OpCommand, Command: body.Command}
	}
	timeout := s.commandTimeout
	if body.TimeoutSeconds > 0 {
		timeout = time.Duration(body.TimeoutSeconds) * time.Second
	}

	results, err := s.executor.Broadcast(r.Context(), targets, op, timeout)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}
