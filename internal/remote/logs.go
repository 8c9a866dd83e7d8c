package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/gluk-w/claworc/scout/internal/logutil"
	"github.com/gluk-w/claworc/scout/internal/sshpool"
)

// DefaultTailLines is used when StreamLogs is asked for zero lines.
const DefaultTailLines = 100

// Streamer is implemented by sessions that can stream long-running output.
type Streamer interface {
	Stream(ctx context.Context, cmd string) (io.ReadCloser, error)
}

// StreamLogs runs `tail -n lines [-F] path` and delivers each output line on
// the returned channel. The channel is closed when ctx is cancelled, the
// command ends, or the session drops. -F follows by name so log rotation is
// survived.
func StreamLogs(ctx context.Context, sess sshpool.Session, path string, lines int, follow bool) (<-chan string, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	streamer, ok := sess.(Streamer)
	if !ok {
		return nil, errors.New("session does not support streaming")
	}
	if lines <= 0 {
		lines = DefaultTailLines
	}

	cmd := fmt.Sprintf("tail -n %d", lines)
	if follow {
		cmd += " -F"
	}
	cmd += " " + quotePath(path)

	r, err := streamer.Stream(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("start tail: %w", err)
	}

	ch := make(chan string, 100)
	go func() {
		defer close(ch)
		defer r.Close()

		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case ch <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			log.Printf("[remote] log stream error for %s: %v", logutil.SanitizeForLog(path), err)
		}
	}()
	return ch, nil
}
