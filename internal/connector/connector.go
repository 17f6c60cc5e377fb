// Package connector owns SSH transport to network devices. A Dial
// establishes one authenticated connection per device; each CLI command
// then runs in its own session on that connection. Failures are classified
// into the pipeline error taxonomy at this boundary so callers never have
// to pattern-match transport errors.
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/spinelabs/spine/internal/config"
	"github.com/spinelabs/spine/internal/errkind"
)

// Target identifies where to connect and how to authenticate. Platform is
// the driver hint selecting the CLI dialect.
type Target struct {
	DeviceName string
	Host       string
	Port       int
	Platform   string
	Username   string
	Password   string
}

// Result is the outcome of one command on a device. Transport failures are
// carried as values: Kind is empty on success, and Output holds whatever
// the device produced before the failure.
type Result struct {
	Command  string
	Output   string
	Kind     errkind.Kind
	Err      error
	Duration time.Duration
}

func (r Result) OK() bool { return r.Kind == "" && r.Err == nil }

// Conn is an established device connection. Run executes one command per
// SSH session; sessions on the same Conn share the authenticated transport.
type Conn interface {
	Run(ctx context.Context, command string) Result
	Close() error
}

// Dialer opens device connections. The SSH implementation is the production
// dialer; tests substitute MockDialer.
type Dialer interface {
	Dial(ctx context.Context, target Target, timeouts config.SSHTimeouts) (Conn, error)
}

type SSHConfig struct {
	Logger *slog.Logger

	// HostKeyCallback defaults to accepting any host key. Device fleets
	// rotate host keys on RMA faster than any known_hosts pipeline keeps up.
	HostKeyCallback ssh.HostKeyCallback
}

func (c *SSHConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.HostKeyCallback == nil {
		c.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	return nil
}

type SSH struct {
	cfg *SSHConfig
	log *slog.Logger
}

func NewSSH(cfg *SSHConfig) (*SSH, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &SSH{cfg: cfg, log: cfg.Logger}, nil
}

// Dial connects and authenticates with staged deadlines: Connect bounds the
// TCP dial, Banner bounds the wait for the server's version string, Auth
// bounds the rest of the handshake. The returned error is classified as
// unreachable, banner_timeout, timeout, or auth_failed.
func (s *SSH) Dial(ctx context.Context, target Target, timeouts config.SSHTimeouts) (Conn, error) {
	port := target.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(target.Host, strconv.Itoa(port))

	dialer := &net.Dialer{Timeout: timeouts.Connect}
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, errkind.Wrap(errkind.Unreachable, fmt.Errorf("dial %s: %w", addr, err))
	}

	now := time.Now()
	staged := &stagedConn{Conn: tcpConn, authDeadline: now.Add(timeouts.Auth)}
	if err := staged.SetReadDeadline(now.Add(timeouts.Banner)); err != nil {
		tcpConn.Close()
		return nil, errkind.Wrap(errkind.Unreachable, err)
	}

	clientConfig := &ssh.ClientConfig{
		User:            target.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(target.Password)},
		HostKeyCallback: s.cfg.HostKeyCallback,
	}

	// Abort the handshake if the caller's context dies while we block in
	// NewClientConn; closing the conn is the only way to unblock it.
	handshakeDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			staged.Close()
		case <-handshakeDone:
		}
	}()

	sshConn, chans, reqs, err := ssh.NewClientConn(staged, addr, clientConfig)
	close(handshakeDone)
	if err != nil {
		staged.Close()
		return nil, s.classifyHandshake(ctx, addr, err, staged.bannerSeen())
	}

	if err := staged.SetReadDeadline(time.Time{}); err != nil {
		sshConn.Close()
		return nil, errkind.Wrap(errkind.Unreachable, err)
	}

	client := ssh.NewClient(sshConn, chans, reqs)
	log := s.log.With("device", target.DeviceName, "addr", addr)

	if dialect := DialectFor(target.Platform); dialect.Interactive {
		shell, err := newShellConn(ctx, client, dialect, log, timeouts)
		if err != nil {
			return nil, err
		}
		return shell, nil
	}
	return &deviceConn{client: client, log: log, timeouts: timeouts}, nil
}

func (s *SSH) classifyHandshake(ctx context.Context, addr string, err error, bannerSeen bool) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("handshake with %s aborted: %w", addr, context.Canceled)
	}

	if strings.Contains(err.Error(), "unable to authenticate") {
		return errkind.Wrap(errkind.AuthFailed, fmt.Errorf("authentication to %s rejected: %w", addr, err))
	}

	var netErr net.Error
	timedOut := errors.As(err, &netErr) && netErr.Timeout()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		timedOut = true
	}
	switch {
	case timedOut && !bannerSeen:
		return errkind.Wrap(errkind.BannerTimeout, fmt.Errorf("no SSH banner from %s: %w", addr, err))
	case timedOut:
		return errkind.Wrap(errkind.Timeout, fmt.Errorf("handshake with %s timed out: %w", addr, err))
	default:
		return errkind.Wrap(errkind.Unreachable, fmt.Errorf("handshake with %s failed: %w", addr, err))
	}
}

// stagedConn swaps the read deadline from the banner stage to the auth
// stage as soon as the server's first bytes arrive.
type stagedConn struct {
	net.Conn
	authDeadline time.Time

	mu        sync.Mutex
	sawBanner bool
}

func (c *stagedConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.mu.Lock()
		if !c.sawBanner {
			c.sawBanner = true
			_ = c.Conn.SetReadDeadline(c.authDeadline)
		}
		c.mu.Unlock()
	}
	return n, err
}

func (c *stagedConn) bannerSeen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sawBanner
}
