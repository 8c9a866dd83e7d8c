package sshpool

import (
	"context"
	"errors"
	"time"

	"github.com/gluk-w/claworc/scout/internal/endpoints"
)

// ErrSessionClosed marks a failure caused by the transport going away, as
// opposed to the remote command failing.
var ErrSessionClosed = errors.New("session closed")

// Result is the outcome of one remote command.
type Result struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// Session is a live transport to one endpoint. The pool owns it; callers
// borrow it for the duration of an operation and must not Close it.
type Session interface {
	// Exec runs cmd and returns its output. A non-zero exit status is
	// reported in Result.ExitCode, not as an error.
	Exec(ctx context.Context, cmd string) (*Result, error)

	// IsOpen reports the transport state without doing network I/O.
	IsOpen() bool

	Close() error
}

// Dialer opens new sessions. Dial may block on the network and must honor ctx.
type Dialer interface {
	Dial(ctx context.Context, ep endpoints.Endpoint) (Session, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, ep endpoints.Endpoint) (Session, error)

func (f DialerFunc) Dial(ctx context.Context, ep endpoints.Endpoint) (Session, error) {
	return f(ctx, ep)
}
