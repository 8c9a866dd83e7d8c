// Package handlers exposes the pool, the broadcast executor and the audit
// trail over HTTP.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/gluk-w/claworc/scout/internal/broadcast"
	"github.com/gluk-w/claworc/scout/internal/endpoints"
	"github.com/gluk-w/claworc/scout/internal/middleware"
	"github.com/gluk-w/claworc/scout/internal/remote"
	"github.com/gluk-w/claworc/scout/internal/sshaudit"
	"github.com/gluk-w/claworc/scout/internal/sshpool"
)

// Options wires a Server. Registry, Pool and Executor are required.
type Options struct {
	Registry *endpoints.Registry
	Pool     *sshpool.Pool
	Executor *broadcast.Executor

	// Optional collaborators. A nil Auditor disables /audit and audit
	// records for single-endpoint calls; a nil DB reports the database as
	// disabled in /health; a nil Gatherer disables /metrics.
	Auditor  *sshaudit.Auditor
	DB       *gorm.DB
	Gatherer prometheus.Gatherer

	LogPath            string
	CommandTimeout     time.Duration
	MaxOutputBytes     int64
	APIToken           string
	RateLimitPerMinute int
}

// Server holds the dependencies shared by every handler.
type Server struct {
	registry       *endpoints.Registry
	pool           *sshpool.Pool
	executor       *broadcast.Executor
	auditor        *sshaudit.Auditor
	db             *gorm.DB
	gatherer       prometheus.Gatherer
	logPath        string
	commandTimeout time.Duration
	maxOutput      int64
	apiToken       string
	rateLimit      int

	resources []Resource
}

func New(opts Options) *Server {
	timeout := opts.CommandTimeout
	if timeout <= 0 {
		timeout = broadcast.DefaultTimeout
	}
	return &Server{
		registry:       opts.Registry,
		pool:           opts.Pool,
		executor:       opts.Executor,
		auditor:        opts.Auditor,
		db:             opts.DB,
		gatherer:       opts.Gatherer,
		logPath:        opts.LogPath,
		commandTimeout: timeout,
		maxOutput:      opts.MaxOutputBytes,
		apiToken:       opts.APIToken,
		rateLimit:      opts.RateLimitPerMinute,
		resources:      buildResources(opts.Registry.Names()),
	}
}

// Router builds the HTTP routing tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", s.HealthCheck)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.BearerAuth(s.apiToken))
		r.Use(middleware.NewRateLimiter(s.rateLimit).Handler)

		r.Get("/endpoints", s.ListEndpoints)
		r.Get("/resources", s.ListResources)
		r.Get("/endpoints/{name}/read", s.ReadPath)
		r.Post("/endpoints/{name}/exec", s.ExecCommand)
		r.Get("/endpoints/{name}/logs", s.StreamLogs)

		r.Post("/broadcast", s.Broadcast)

		r.Get("/pool", s.PoolStats)
		r.Get("/pool/events", s.PoolEvents)
		r.Delete("/pool/{name}", s.RemoveSession)

		r.Get("/audit", s.GetAuditLogs)
		r.Post("/audit/purge", s.PurgeAuditLogs)
		r.Get("/server-logs", s.GetServerLogs)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// errorStatus maps an operation error to the HTTP status reported for it.
func errorStatus(err error) int {
	var connErr *sshpool.ConnectionError
	var exitErr *remote.ExitError
	switch {
	case errors.As(err, &connErr):
		return http.StatusBadGateway
	case errors.Is(err, remote.ErrInvalidPath):
		return http.StatusBadRequest
	case errors.Is(err, remote.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &exitErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, sshpool.ErrSessionClosed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeOpError(w http.ResponseWriter, err error) {
	writeError(w, errorStatus(err), err.Error())
}

// resolve looks up the {name} URL parameter, writing a 404 when it is unknown.
func (s *Server) resolve(w http.ResponseWriter, r *http.Request) (endpoints.Endpoint, bool) {
	name := chi.URLParam(r, "name")
	ep, ok := s.registry.Resolve(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Unknown endpoint: %s", name))
		return endpoints.Endpoint{}, false
	}
	return ep, true
}

// runOnEndpoint borrows a pooled session for ep and runs fn with it under
// timeout. Acquisition uses the request context only. A transport failure
// purges the pooled session so the next call reconnects.
func (s *Server) runOnEndpoint(ctx context.Context, ep endpoints.Endpoint, timeout time.Duration, fn func(ctx context.Context, sess sshpool.Session) error) error {
	sess, err := s.pool.AcquireWithRetry(ctx, ep)
	if err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err = fn(opCtx, sess)
	if errors.Is(err, sshpool.ErrSessionClosed) {
		s.pool.Remove(ep.Name)
	}
	return err
}

// audit records a single-endpoint operation when an auditor is configured.
func (s *Server) audit(eventType string, op broadcast.Operation, out broadcast.TargetOutcome) {
	if s.auditor == nil {
		return
	}
	s.auditor.RecordOutcome(eventType, "", op, out)
}
