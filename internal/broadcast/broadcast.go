// Package broadcast runs one operation against many endpoints concurrently.
//
// A broadcast never fails as a whole because of one target: each target gets
// its own TargetOutcome, and outcomes come back in input order no matter
// which target finished first.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gluk-w/claworc/scout/internal/endpoints"
	"github.com/gluk-w/claworc/scout/internal/logutil"
	"github.com/gluk-w/claworc/scout/internal/remote"
	"github.com/gluk-w/claworc/scout/internal/sshpool"
)

// DefaultTimeout bounds each target's operation when the caller passes none.
const DefaultTimeout = 30 * time.Second

// OpKind selects what a broadcast does on each target.
type OpKind string

const (
	OpRead    OpKind = "read"
	OpCommand OpKind = "command"
)

// Operation is applied to every target of a broadcast.
type Operation struct {
	Kind    OpKind `json:"kind"`
	Command string `json:"command,omitempty"`
}

// Validate checks the parts of op that do not depend on a target.
func (op Operation) Validate() error {
	switch op.Kind {
	case OpRead:
		return nil
	case OpCommand:
		if strings.TrimSpace(op.Command) == "" {
			return errors.New("command operation requires a command")
		}
		return nil
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

// Target names an endpoint and a location on it. For reads Path is the file
// or directory; for commands it is the working directory and may be empty.
type Target struct {
	Endpoint string `json:"endpoint"`
	Path     string `json:"path,omitempty"`
}

func (t Target) String() string {
	if t.Path == "" {
		return t.Endpoint
	}
	return t.Endpoint + ":" + t.Path
}

// ParseTarget parses "endpoint" or "endpoint:/path".
func ParseTarget(s string) (Target, error) {
	name, path, _ := strings.Cut(strings.TrimSpace(s), ":")
	if name == "" {
		return Target{}, fmt.Errorf("invalid target %q: missing endpoint name", s)
	}
	return Target{Endpoint: name, Path: path}, nil
}

// TargetOutcome is the result of one target of a broadcast.
type TargetOutcome struct {
	Endpoint string        `json:"endpoint"`
	Path     string        `json:"path,omitempty"`
	Success  bool          `json:"success"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	ExitCode int           `json:"exit_code,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Report describes a finished broadcast. It is passed to completion hooks.
type Report struct {
	ID        string
	Operation Operation
	Outcomes  []TargetOutcome
	Duration  time.Duration
}

// Failed counts the outcomes that did not succeed.
func (r Report) Failed() int {
	n := 0
	for _, o := range r.Outcomes {
		if !o.Success {
			n++
		}
	}
	return n
}

// Acquirer hands out pooled sessions. *sshpool.Pool implements it.
type Acquirer interface {
	AcquireWithRetry(ctx context.Context, ep endpoints.Endpoint) (sshpool.Session, error)
	Remove(name string) bool
}

type Config struct {
	// MaxOutputBytes caps read content and command output per target. Zero
	// or less means no cap.
	MaxOutputBytes int64

	// Metrics is optional.
	Metrics *Metrics
}

// Executor fans operations out over pooled sessions.
type Executor struct {
	resolver  endpoints.Resolver
	pool      Acquirer
	maxOutput int64
	metrics   *Metrics

	mu    sync.RWMutex
	hooks []func(Report)
}

func New(resolver endpoints.Resolver, pool Acquirer, cfg Config) *Executor {
	return &Executor{
		resolver:  resolver,
		pool:      pool,
		maxOutput: cfg.MaxOutputBytes,
		metrics:   cfg.Metrics,
	}
}

// OnComplete registers fn to be called after every broadcast. Hooks run in
// registration order; a panicking hook is logged and skipped.
func (e *Executor) OnComplete(fn func(Report)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, fn)
}

// Broadcast applies op to every target concurrently and waits for all of
// them. Each target's operation is bounded by timeout independently. The
// returned slice has one outcome per target, in input order. An error is
// returned only when op itself is invalid.
func (e *Executor) Broadcast(ctx context.Context, targets []Target, op Operation, timeout time.Duration) ([]TargetOutcome, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	id := uuid.New().String()
	start := time.Now()
	outcomes := make([]TargetOutcome, len(targets))

	var wg sync.WaitGroup
	for i, t := range targets {
		ep, ok := e.resolver.Resolve(t.Endpoint)
		if !ok {
			outcomes[i] = TargetOutcome{
				Endpoint: t.Endpoint,
				Path:     t.Path,
				Error:    fmt.Sprintf("unknown endpoint %q", t.Endpoint),
			}
			continue
		}
		wg.Add(1)
		go func(i int, t Target, ep endpoints.Endpoint) {
			defer wg.Done()
			outcomes[i] = e.run(ctx, ep, t, op, timeout)
		}(i, t, ep)
	}
	wg.Wait()

	report := Report{ID: id, Operation: op, Outcomes: outcomes, Duration: time.Since(start)}
	e.metrics.observe(report)
	log.Printf("[broadcast] %s %s: %d target(s), %d failed in %s",
		id, op.Kind, len(targets), report.Failed(), report.Duration.Round(time.Millisecond))

	e.mu.RLock()
	hooks := make([]func(Report), len(e.hooks))
	copy(hooks, e.hooks)
	e.mu.RUnlock()
	for _, fn := range hooks {
		runHook(fn, report)
	}
	return outcomes, nil
}

// runHook calls fn and logs a panic instead of propagating it.
func runHook(fn func(Report), report Report) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[broadcast] completion hook panicked for %s: %v", report.ID, r)
		}
	}()
	fn(report)
}

// Execute runs op against a single target. Unlike Broadcast, an unknown
// endpoint is reported as a failed outcome with no hooks called.
func (e *Executor) Execute(ctx context.Context, t Target, op Operation, timeout time.Duration) (TargetOutcome, error) {
	if err := op.Validate(); err != nil {
		return TargetOutcome{}, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ep, ok := e.resolver.Resolve(t.Endpoint)
	if !ok {
		return TargetOutcome{Endpoint: t.Endpoint, Path: t.Path, Error: fmt.Sprintf("unknown endpoint %q", t.Endpoint)}, nil
	}
	return e.run(ctx, ep, t, op, timeout), nil
}

// run performs op on one endpoint. It never panics and never returns an
// error: everything lands in the outcome.
func (e *Executor) run(ctx context.Context, ep endpoints.Endpoint, t Target, op Operation, timeout time.Duration) (out TargetOutcome) {
	start := time.Now()
	out = TargetOutcome{Endpoint: t.Endpoint, Path: t.Path}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[broadcast] panic on %s: %v", logutil.SanitizeForLog(t.String()), r)
			out.Success = false
			out.Error = fmt.Sprintf("internal error: %v", r)
		}
		out.Duration = time.Since(start)
	}()

	sess, err := e.pool.AcquireWithRetry(ctx, ep)
	if err != nil {
		out.Error = err.Error()
		return out
	}

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := e.perform(opCtx, sess, t, op)
	out.Output = output
	if err == nil {
		out.Success = true
		return out
	}

	var exitErr *remote.ExitError
	switch {
	case errors.As(err, &exitErr):
		out.ExitCode = exitErr.ExitCode
		out.Error = exitErr.Error()
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		out.Error = fmt.Sprintf("timed out after %s", timeout)
	default:
		out.Error = err.Error()
	}
	if errors.Is(err, sshpool.ErrSessionClosed) {
		// Purge so the next call reconnects instead of reusing a dead transport.
		e.pool.Remove(ep.Name)
	}
	return out
}

func (e *Executor) perform(ctx context.Context, sess sshpool.Session, t Target, op Operation) (string, error) {
	switch op.Kind {
	case OpRead:
		if t.Path == "" {
			return "", errors.New("read requires a path")
		}
		res, err := remote.ReadPath(ctx, sess, t.Path, e.maxOutput)
		if err != nil {
			return "", err
		}
		if res.IsDir {
			return formatListing(res.Entries), nil
		}
		return res.Content, nil
	case OpCommand:
		res, err := remote.RunCommand(ctx, sess, t.Path, op.Command)
		if res == nil {
			return "", err
		}
		return e.truncate(res.Stdout), err
	default:
		return "", fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

func (e *Executor) truncate(s string) string {
	if e.maxOutput > 0 && int64(len(s)) > e.maxOutput {
		return logutil.CutBytes(s, int(e.maxOutput)) + "\n... [truncated]"
	}
	return s
}

func formatListing(entries []remote.FileEntry) string {
	var b strings.Builder
	for _, en := range entries {
		name := en.Name
		switch en.Type {
		case "directory":
			name += "/"
		case "symlink":
			name += " -> " + en.LinkTarget
		}
		fmt.Fprintf(&b, "%s %10d %s %s\n", en.Permissions, en.Size, en.Modified, name)
	}
	return b.String()
}
