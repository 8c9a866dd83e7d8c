// Package sshdial opens SSH transports to endpoints and adapts them to the
// sshpool.Session interface.
package sshdial

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/gluk-w/claworc/scout/internal/endpoints"
	"github.com/gluk-w/claworc/scout/internal/logutil"
	"github.com/gluk-w/claworc/scout/internal/sshkeys"
	"github.com/gluk-w/claworc/scout/internal/sshpool"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultKeepaliveInterval = 30 * time.Second
)

// Config controls how endpoints are dialed.
type Config struct {
	// DefaultUser is used when an endpoint does not name one.
	DefaultUser string

	// Signer is the service identity, offered after any per-endpoint
	// identity file or password. May be nil.
	Signer ssh.Signer

	// KnownHostsFile enables host key verification. When empty every host
	// key is accepted.
	KnownHostsFile string

	ConnectTimeout time.Duration

	// KeepaliveInterval of zero or less disables keepalives.
	KeepaliveInterval time.Duration
}

// Dialer implements sshpool.Dialer over golang.org/x/crypto/ssh.
type Dialer struct {
	cfg             Config
	hostKeyCallback ssh.HostKeyCallback
}

var _ sshpool.Dialer = (*Dialer)(nil)

// New validates cfg and prepares host key checking.
func New(cfg Config) (*Dialer, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.DefaultUser == "" {
		cfg.DefaultUser = "root"
	}

	d := &Dialer{cfg: cfg}
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts %s: %w", logutil.SanitizeForLog(cfg.KnownHostsFile), err)
		}
		d.hostKeyCallback = cb
	} else {
		log.Printf("[sshdial] WARNING: no known_hosts file configured, host keys will not be verified")
		d.hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	return d, nil
}

// Dial connects and authenticates to ep. The TCP dial and the SSH handshake
// are both bounded by the connect timeout and by ctx.
func (d *Dialer) Dial(ctx context.Context, ep endpoints.Endpoint) (sshpool.Session, error) {
	if err := ep.Validate(); err != nil {
		return nil, err
	}

	auth, err := d.authMethods(ep)
	if err != nil {
		return nil, err
	}
	user := ep.User
	if user == "" {
		user = d.cfg.DefaultUser
	}
	config := &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: d.hostKeyCallback,
		Timeout:         d.cfg.ConnectTimeout,
	}

	addr := ep.Address()
	netDialer := net.Dialer{Timeout: d.cfg.ConnectTimeout}
	conn, err := netDialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", logutil.SanitizeForLog(addr), err)
	}

	// Bound the handshake: the deadline covers a silent server, AfterFunc
	// covers the caller giving up.
	conn.SetDeadline(time.Now().Add(d.cfg.ConnectTimeout))
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if !stop() {
		if err == nil {
			c.Close()
		}
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", logutil.SanitizeForLog(addr), ctx.Err())
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", logutil.SanitizeForLog(addr), err)
	}
	conn.SetDeadline(time.Time{})

	log.Printf("[sshdial] connected to %s at %s as %s",
		logutil.SanitizeForLog(ep.Name), logutil.SanitizeForLog(addr), logutil.SanitizeForLog(user))
	return newClient(ep.Name, ssh.NewClient(c, chans, reqs), d.cfg.KeepaliveInterval), nil
}

// authMethods lists credentials in preference order: the endpoint's own
// identity file, its password, then the service key.
func (d *Dialer) authMethods(ep endpoints.Endpoint) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if ep.IdentityFile != "" {
		signer, err := sshkeys.LoadSigner(ep.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("identity for %s: %w", logutil.SanitizeForLog(ep.Name), err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if ep.Password != "" {
		methods = append(methods, ssh.Password(ep.Password))
	}
	if d.cfg.Signer != nil {
		methods = append(methods, ssh.PublicKeys(d.cfg.Signer))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("no credentials available for endpoint %s", logutil.SanitizeForLog(ep.Name))
	}
	return methods, nil
}
