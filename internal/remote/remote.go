// Package remote builds and runs the shell commands scout sends to endpoints.
//
// Every function takes a pooled sshpool.Session. Sessions are borrowed: the
// functions here never close them.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gluk-w/claworc/scout/internal/logutil"
	"github.com/gluk-w/claworc/scout/internal/sshpool"
)

// slowCommandThreshold is the duration above which a command is logged.
const slowCommandThreshold = 500 * time.Millisecond

var (
	// ErrInvalidPath is wrapped by every ValidatePath failure.
	ErrInvalidPath = errors.New("invalid path")

	ErrNotFound = errors.New("no such file or directory")
)

// ExitError reports a remote command that ran but exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	stderr := strings.TrimSpace(e.Stderr)
	if stderr == "" {
		return fmt.Sprintf("command exited %d", e.ExitCode)
	}
	return fmt.Sprintf("command exited %d: %s", e.ExitCode, stderr)
}

// ShellQuote wraps a string in single quotes, escaping any embedded single quotes.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}

// ValidatePath accepts absolute paths and paths relative to the remote home
// directory (~ or ~/...). Parent-directory segments and NUL bytes are
// rejected.
func ValidatePath(p string) error {
	if p == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	if strings.ContainsRune(p, 0) {
		return fmt.Errorf("%w: contains NUL byte", ErrInvalidPath)
	}
	if !strings.HasPrefix(p, "/") && p != "~" && !strings.HasPrefix(p, "~/") {
		return fmt.Errorf("%w: %q must be absolute or start with ~/", ErrInvalidPath, p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return fmt.Errorf("%w: %q contains '..'", ErrInvalidPath, p)
		}
	}
	return nil
}

// quotePath quotes p for the shell while keeping a leading ~ expandable.
func quotePath(p string) string {
	if p == "~" {
		return "~"
	}
	if rest, ok := strings.CutPrefix(p, "~/"); ok {
		return "~/" + ShellQuote(rest)
	}
	return ShellQuote(p)
}

// Run executes cmd on sess. When the command exits non-zero the result is
// still returned, together with an *ExitError.
func Run(ctx context.Context, sess sshpool.Session, cmd string) (*sshpool.Result, error) {
	start := time.Now()
	res, err := sess.Exec(ctx, cmd)
	elapsed := time.Since(start)

	if elapsed > slowCommandThreshold {
		log.Printf("[remote] SLOW command (%s): %s", elapsed.Round(time.Millisecond), logutil.SanitizeForLog(logutil.Truncate(cmd)))
	}
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return res, &ExitError{Command: cmd, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return res, nil
}

// RunCommand runs command from within dir. The command is passed to the
// remote shell as-is; only dir is quoted.
func RunCommand(ctx context.Context, sess sshpool.Session, dir, command string) (*sshpool.Result, error) {
	if strings.TrimSpace(command) == "" {
		return nil, errors.New("command is empty")
	}
	if dir == "" {
		return Run(ctx, sess, command)
	}
	if err := ValidatePath(dir); err != nil {
		return nil, err
	}
	return Run(ctx, sess, fmt.Sprintf("cd %s && %s", quotePath(dir), command))
}
