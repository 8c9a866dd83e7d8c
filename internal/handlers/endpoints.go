package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/gluk-w/claworc/scout/internal/broadcast"
	"github.com/gluk-w/claworc/scout/internal/endpoints"
	"github.com/gluk-w/claworc/scout/internal/logutil"
	"github.com/gluk-w/claworc/scout/internal/remote"
	"github.com/gluk-w/claworc/scout/internal/sshaudit"
	"github.com/gluk-w/claworc/scout/internal/sshpool"
)

type endpointResponse struct {
	endpoints.Endpoint
	Pooled bool `json:"pooled"`
}

func (s *Server) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	pooled := make(map[string]bool)
	for _, name := range s.pool.Names() {
		pooled[name] = true
	}

	all := s.registry.All()
	resp := make([]endpointResponse, 0, len(all))
	for _, ep := range all {
		resp = append(resp, endpointResponse{Endpoint: ep, Pooled: pooled[ep.Name]})
	}
	writeJSON(w, http.StatusOK, resp)
}

// ReadPath returns a directory listing or file content.
//
// Query parameters:
//
//	path - absolute or ~-relative path on the endpoint (required)
func (s *Server) ReadPath(w http.ResponseWriter, r *http.Request) {
	ep, ok := s.resolve(w, r)
	if !ok {
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	if err := remote.ValidatePath(path); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	start := time.Now()
	var res *remote.ReadResult
	err := s.runOnEndpoint(r.Context(), ep, s.commandTimeout, func(ctx context.Context, sess sshpool.Session) error {
		var err error
		res, err = remote.ReadPath(ctx, sess, path, s.maxOutput)
		return err
	})

	out := broadcast.TargetOutcome{Endpoint: ep.Name, Path: path, Success: err == nil, Duration: time.Since(start)}
	if err != nil {
		out.Error = err.Error()
	}
	s.audit(sshaudit.EventRead, broadcast.Operation{Kind: broadcast.OpRead}, out)

	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type execRequest struct {
	Command        string `json:"command"`
	Dir            string `json:"dir"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type execResponse struct {
	Endpoint   string `json:"endpoint"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
	Truncated  bool   `json:"truncated,omitempty"`
}

// ExecCommand runs a shell command on one endpoint. A command that runs but
// exits non-zero is still a 200 response; the caller inspects exit_code.
func (s *Server) ExecCommand(w http.ResponseWriter, r *http.Request) {
	ep, ok := s.resolve(w, r)
	if !ok {
		return
	}

	var body execRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	if body.TimeoutSeconds < 0 {
		writeError(w, http.StatusBadRequest, "timeout_seconds must not be negative")
		return
	}
	if body.Dir != "" {
		if err := remote.ValidatePath(body.Dir); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	timeout := s.commandTimeout
	if body.TimeoutSeconds > 0 {
		timeout = time.Duration(body.TimeoutSeconds) * time.Second
	}

	start := time.Now()
	var res *sshpool.Result
	err := s.runOnEndpoint(r.Context(), ep, timeout, func(ctx context.Context, sess sshpool.Session) error {
		var err error
		res, err = remote.RunCommand(ctx, sess, body.Dir, body.Command)
		return err
	})

	var exitErr *remote.ExitError
	if errors.As(err, &exitErr) {
		err = nil
	}

	op := broadcast.Operation{Kind: broadcast.OpCommand, Command: body.Command}
	out := broadcast.TargetOutcome{Endpoint: ep.Name, Path: body.Dir, Duration: time.Since(start)}
	switch {
	case err != nil:
		out.Error = err.Error()
	case res.ExitCode != 0:
		out.ExitCode = res.ExitCode
		out.Error = fmt.Sprintf("exit code %d", res.ExitCode)
	default:
		out.Success = true
	}
	s.audit(sshaudit.EventCommand, op, out)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil {
			writeError(w, http.StatusGatewayTimeout, fmt.Sprintf("Command timed out after %s", timeout))
			return
		}
		writeOpError(w, err)
		return
	}

	resp := execResponse{
		Endpoint:   ep.Name,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		ExitCode:   res.ExitCode,
		DurationMs: res.Duration.Milliseconds(),
	}
	if s.maxOutput > 0 && int64(len(resp.Stdout)) > s.maxOutput {
		resp.Stdout = logutil.CutBytes(resp.Stdout, int(s.maxOutput))
		resp.Truncated = true
	}
	writeJSON(w, http.StatusOK, resp)
}

// StreamLogs upgrades to a websocket and sends one text message per log line.
//
// Query parameters:
//
//	path   - log file on the endpoint (required)
//	lines  - initial lines to send (default 100)
//	follow - keep streaming new lines unless "false"
func (s *Server) StreamLogs(w http.ResponseWriter, r *http.Request) {
	ep, ok := s.resolve(w, r)
	if !ok {
		return
	}
	path := r.URL.Query().Get("path")
	if err := remote.ValidatePath(path); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	lines := remote.DefaultTailLines
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "Invalid lines")
			return
		}
		lines = n
	}
	follow := r.URL.Query().Get("follow") != "false"

	sess, err := s.pool.AcquireWithRetry(r.Context(), ep)
	if err != nil {
		writeOpError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[api] failed to accept log websocket for %s: %v", logutil.SanitizeForLog(ep.Name), err)
		return
	}
	defer conn.CloseNow()

	// Nothing is read from the client; CloseRead cancels ctx when it goes away.
	ctx, cancel := context.WithCancel(conn.CloseRead(r.Context()))
	defer cancel()

	start := time.Now()
	ch, err := remote.StreamLogs(ctx, sess, path, lines, follow)
	out := broadcast.TargetOutcome{Endpoint: ep.Name, Path: path, Success: err == nil}
	if err != nil {
		if errors.Is(err, sshpool.ErrSessionClosed) {
			s.pool.Remove(ep.Name)
		}
		out.Error = err.Error()
		out.Duration = time.Since(start)
		s.audit(sshaudit.EventLogStream, broadcast.Operation{Kind: broadcast.OpRead}, out)
		conn.Close(websocket.StatusInternalError, logutil.Truncate(err.Error()))
		return
	}

	sent := 0
	for line := range ch {
		if err := conn.Write(ctx, websocket.MessageText, []byte(line)); err != nil {
			break
		}
		sent++
	}
	out.Duration = time.Since(start)
	s.audit(sshaudit.EventLogStream, broadcast.Operation{Kind: broadcast.OpRead}, out)
	log.Printf("[api] log stream %s:%s ended after %d line(s)",
		logutil.SanitizeForLog(ep.Name), logutil.SanitizeForLog(path), sent)

	conn.Close(websocket.StatusNormalClosure, "")
}
