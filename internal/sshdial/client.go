package sshdial

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/claworc/scout/internal/logutil"
	"github.com/gluk-w/claworc/scout/internal/sshpool"
)

// Client is one live SSH transport. IsOpen never touches the network: the
// flag is cleared by a watcher on the underlying connection and by a failed
// keepalive.
type Client struct {
	name   string
	client *ssh.Client

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

var _ sshpool.Session = (*Client)(nil)

func newClient(name string, client *ssh.Client, keepalive time.Duration) *Client {
	c := &Client{
		name:   name,
		client: client,
		done:   make(chan struct{}),
	}
	go func() {
		err := client.Wait()
		if !c.closed.Load() {
			log.Printf("[sshdial] connection to %s lost: %v", logutil.SanitizeForLog(name), err)
		}
		c.markClosed()
	}()
	if keepalive > 0 {
		go c.keepaliveLoop(keepalive)
	}
	return c
}

func (c *Client) markClosed() {
	c.closed.Store(true)
	c.closeOnce.Do(func() { close(c.done) })
}

// IsOpen reports whether the transport is still believed to be usable.
func (c *Client) IsOpen() bool {
	return !c.closed.Load()
}

// Close tears down the transport. Closing an already-dead transport is not
// an error.
func (c *Client) Close() error {
	wasOpen := c.IsOpen()
	c.markClosed()
	if err := c.client.Close(); err != nil && wasOpen {
		return fmt.Errorf("close connection to %s: %w", logutil.SanitizeForLog(c.name), err)
	}
	return nil
}

// keepaliveLoop sends keepalive@openssh.com until the transport closes. Only
// a transport error counts as failure; servers commonly answer the request
// with a refusal.
func (c *Client) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if _, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				log.Printf("[sshdial] keepalive failed for %s: %v, marking closed", logutil.SanitizeForLog(c.name), err)
				c.markClosed()
				c.client.Close()
				return
			}
		}
	}
}

// Exec runs cmd on a fresh channel and collects its output. A non-zero exit
// status is reported in the result. Cancelling ctx closes the channel and
// returns ctx's error; the transport stays usable.
func (c *Client) Exec(ctx context.Context, cmd string) (*sshpool.Result, error) {
	if !c.IsOpen() {
		return nil, fmt.Errorf("exec on %s: %w", c.name, sshpool.ErrSessionClosed)
	}

	start := time.Now()
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session on %s: %w: %v", c.name, sshpool.ErrSessionClosed, err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(cmd) }()

	select {
	case <-ctx.Done():
		sess.Close()
		<-runErr
		return nil, fmt.Errorf("exec on %s: %w", c.name, ctx.Err())
	case err = <-runErr:
	}

	result := &sshpool.Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err == nil {
		return result, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitStatus()
		return result, nil
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) && c.IsOpen() {
		result.ExitCode = -1
		return result, nil
	}
	return nil, fmt.Errorf("exec on %s: %w: %v", c.name, sshpool.ErrSessionClosed, err)
}

// Stream starts cmd and returns its combined stdout and stderr as a reader.
// The command is stopped when the reader is closed or ctx is done.
func (c *Client) Stream(ctx context.Context, cmd string) (io.ReadCloser, error) {
	if !c.IsOpen() {
		return nil, fmt.Errorf("stream on %s: %w", c.name, sshpool.ErrSessionClosed)
	}
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session on %s: %w: %v", c.name, sshpool.ErrSessionClosed, err)
	}

	pr, pw := io.Pipe()
	sess.Stdout = pw
	sess.Stderr = pw
	if err := sess.Start(cmd); err != nil {
		sess.Close()
		pw.Close()
		return nil, fmt.Errorf("start %q on %s: %w", logutil.Truncate(cmd), c.name, err)
	}

	go func() {
		err := sess.Wait()
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			err = nil
		}
		pw.CloseWithError(err)
	}()

	s := &stream{PipeReader: pr, sess: sess}
	s.stop = context.AfterFunc(ctx, s.shutdown)
	return s, nil
}

type stream struct {
	*io.PipeReader
	sess *ssh.Session
	stop func() bool
	once sync.Once
}

func (s *stream) shutdown() {
	s.once.Do(func() {
		s.sess.Close()
		s.PipeReader.Close()
	})
}

func (s *stream) Close() error {
	s.stop()
	s.shutdown()
	return nil
}
