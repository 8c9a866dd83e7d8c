package sshdial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/gluk-w/claworc/scout/internal/endpoints"
	"github.com/gluk-w/claworc/scout/internal/sshkeys"
	"github.com/gluk-w/claworc/scout/internal/sshpool"
)

// testServer tracks a test SSH server's state.
type testServer struct {
	addr    string
	hostKey ssh.PublicKey
	cleanup func()

	mu       sync.Mutex
	netConns []net.Conn
}

// closeAllConns forcefully closes all accepted TCP connections.
func (ts *testServer) closeAllConns() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, c := range ts.netConns {
		c.Close()
	}
	ts.netConns = nil
}

func (ts *testServer) endpoint(t *testing.T, name string) endpoints.Endpoint {
	t.Helper()
	host, portStr, err := net.SplitHostPort(ts.addr)
	if err != nil {
		t.Fatalf("split %s: %v", ts.addr, err)
	}
	port, _ := strconv.Atoi(portStr)
	return endpoints.Endpoint{Name: name, Host: host, Port: port, User: "root"}
}

func newSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := sshkeys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.ParsePrivateKey(priv)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	return signer
}

// startTestSSHServer starts an in-process SSH server that accepts public key
// auth for authorizedKey and runs a handful of canned exec commands.
func startTestSSHServer(t *testing.T, authorizedKey ssh.PublicKey) *testServer {
	t.Helper()

	hostSigner := newSigner(t)
	config := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if ssh.FingerprintSHA256(key) == ssh.FingerprintSHA256(authorizedKey) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ts := &testServer{
		addr:    listener.Addr().String(),
		hostKey: hostSigner.PublicKey(),
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			ts.mu.Lock()
			ts.netConns = append(ts.netConns, netConn)
			ts.mu.Unlock()
			go handleTestConnection(netConn, config)
		}
	}()

	ts.cleanup = func() {
		listener.Close()
		ts.closeAllConns()
		<-done
	}
	t.Cleanup(ts.cleanup)
	return ts
}

func handleTestConnection(netConn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	go func() {
		for req := range reqs {
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}()

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close()
			for req := range requests {
				if req.Type != "exec" {
					if req.WantReply {
						req.Reply(false, nil)
					}
					continue
				}
				var payload struct{ Command string }
				if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
					req.Reply(false, nil)
					continue
				}
				req.Reply(true, nil)
				go func() {
					code := runTestCommand(ch, payload.Command)
					ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{code}))
					ch.Close()
				}()
			}
		}()
	}
}

func runTestCommand(ch ssh.Channel, cmd string) uint32 {
	switch {
	case strings.HasPrefix(cmd, "echo "):
		fmt.Fprintln(ch, strings.TrimPrefix(cmd, "echo "))
		return 0
	case cmd == "fail":
		fmt.Fprint(ch.Stderr(), "boom")
		return 3
	case cmd == "hang":
		io.Copy(io.Discard, ch)
		return 0
	case cmd == "lines":
		for i := 1; i <= 3; i++ {
			fmt.Fprintf(ch, "line %d\n", i)
		}
		return 0
	default:
		fmt.Fprintf(ch.Stderr(), "%s: command not found", cmd)
		return 127
	}
}

func newTestDialer(t *testing.T, signer ssh.Signer) *Dialer {
	t.Helper()
	d, err := New(Config{Signer: signer, ConnectTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func dialTest(t *testing.T) (*testServer, *Client) {
	t.Helper()
	signer := newSigner(t)
	ts := startTestSSHServer(t, signer.PublicKey())
	sess, err := newTestDialer(t, signer).Dial(context.Background(), ts.endpoint(t, "web"))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	c := sess.(*Client)
	t.Cleanup(func() { c.Close() })
	return ts, c
}

// --- dialing ---

func TestDialAndExec(t *testing.T) {
	_, c := dialTest(t)

	if !c.IsOpen() {
		t.Fatal("new client should be open")
	}
	res, err := c.Exec(context.Background(), "echo hello")
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.Stdout != "hello\n" || res.ExitCode != 0 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestExecNonZeroExit(t *testing.T) {
	_, c := dialTest(t)

	res, err := c.Exec(context.Background(), "fail")
	if err != nil {
		t.Fatalf("non-zero exit must not be an error: %v", err)
	}
	if res.ExitCode != 3 || res.Stderr != "boom" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestExecContextCancel(t *testing.T) {
	_, c := dialTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := c.Exec(ctx, "hang")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("cancellation took too long")
	}

	// The transport survives a cancelled command.
	if _, err := c.Exec(context.Background(), "echo again"); err != nil {
		t.Errorf("Exec after cancel: %v", err)
	}
}

func TestIsOpenFlipsOnDisconnect(t *testing.T) {
	ts, c := dialTest(t)

	ts.closeAllConns()

	deadline := time.Now().Add(2 * time.Second)
	for c.IsOpen() {
		if time.Now().After(deadline) {
			t.Fatal("client still open after server closed the connection")
		}
		time.Sleep(10 * time.Millisecond)
	}

	_, err := c.Exec(context.Background(), "echo hi")
	if !errors.Is(err, sshpool.ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("closing a dead transport should not fail: %v", err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	_, c := dialTest(t)

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if c.IsOpen() {
		t.Error("closed client reports open")
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestDialAuthFailure(t *testing.T) {
	ts := startTestSSHServer(t, newSigner(t).PublicKey())
	_, err := newTestDialer(t, newSigner(t)).Dial(context.Background(), ts.endpoint(t, "web"))
	if err == nil {
		t.Fatal("expected auth failure with an unauthorized key")
	}
}

func TestDialNoCredentials(t *testing.T) {
	ts := startTestSSHServer(t, newSigner(t).PublicKey())
	_, err := newTestDialer(t, nil).Dial(context.Background(), ts.endpoint(t, "web"))
	if err == nil || !strings.Contains(err.Error(), "no credentials") {
		t.Fatalf("expected no-credentials error, got %v", err)
	}
}

func TestDialIdentityFile(t *testing.T) {
	dir := t.TempDir()
	signer, _, err := sshkeys.EnsureKeyPair(dir)
	if err != nil {
		t.Fatalf("EnsureKeyPair: %v", err)
	}
	ts := startTestSSHServer(t, signer.PublicKey())

	ep := ts.endpoint(t, "web")
	ep.IdentityFile = filepath.Join(dir, "id_ed25519")
	sess, err := newTestDialer(t, nil).Dial(context.Background(), ep)
	if err != nil {
		t.Fatalf("Dial with identity file: %v", err)
	}
	sess.Close()
}

func TestDialKnownHosts(t *testing.T) {
	signer := newSigner(t)
	ts := startTestSSHServer(t, signer.PublicKey())
	ep := ts.endpoint(t, "web")

	dir := t.TempDir()
	good := filepath.Join(dir, "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(ts.addr)}, ts.hostKey)
	if err := os.WriteFile(good, []byte(line+"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	bad := filepath.Join(dir, "known_hosts_bad")
	line = knownhosts.Line([]string{knownhosts.Normalize(ts.addr)}, newSigner(t).PublicKey())
	if err := os.WriteFile(bad, []byte(line+"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	d, err := New(Config{Signer: signer, KnownHostsFile: good})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess, err := d.Dial(context.Background(), ep)
	if err != nil {
		t.Fatalf("Dial with matching host key: %v", err)
	}
	sess.Close()

	d, err = New(Config{Signer: signer, KnownHostsFile: bad})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := d.Dial(context.Background(), ep); err == nil {
		t.Error("expected host key mismatch to fail")
	}
}

func TestNewMissingKnownHosts(t *testing.T) {
	_, err := New(Config{KnownHostsFile: filepath.Join(t.TempDir(), "missing")})
	if err == nil {
		t.Error("expected error for missing known_hosts file")
	}
}

func TestDialHandshakeTimeout(t *testing.T) {
	// A listener that accepts but never speaks SSH.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	host, portStr, _ := net.SplitHostPort(listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	ep := endpoints.Endpoint{Name: "silent", Host: host, Port: port}

	d, err := New(Config{Signer: newSigner(t), ConnectTimeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	start := time.Now()
	if _, err := d.Dial(context.Background(), ep); err == nil {
		t.Fatal("expected handshake timeout")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("handshake was not bounded by the connect timeout: %s", elapsed)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	d, _ = New(Config{Signer: newSigner(t), ConnectTimeout: 10 * time.Second})
	start = time.Now()
	if _, err := d.Dial(ctx, ep); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected ctx deadline, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("handshake was not bounded by ctx: %s", elapsed)
	}
}

func TestDialInvalidEndpoint(t *testing.T) {
	d := newTestDialer(t, newSigner(t))
	if _, err := d.Dial(context.Background(), endpoints.Endpoint{Name: "x"}); err == nil {
		t.Error("expected validation error")
	}
}

// --- streaming ---

func TestStream(t *testing.T) {
	_, c := dialTest(t)

	r, err := c.Stream(context.Background(), "lines")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "line 1\nline 2\nline 3\n" {
		t.Errorf("unexpected stream output %q", data)
	}
}

func TestStreamStopsOnCancel(t *testing.T) {
	_, c := dialTest(t)

	ctx, cancel := context.WithCancel(context.Background())
	r, err := c.Stream(ctx, "hang")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer r.Close()

	readDone := make(chan error, 1)
	go func() {
		_, err := io.ReadAll(r)
		readDone <- err
	}()

	cancel()
	select {
	case <-readDone:
	case <-time.After(2 * time.Second):
		t.Fatal("read did not stop after cancel")
	}
}
