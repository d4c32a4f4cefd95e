// Package transport provides the session-budget-constrained remote
// execution channel used by every deployment step.
//
// The remote host accepts a small fixed number of concurrent SSH sessions
// (observed ceiling: 2). The channel enforces that ceiling locally: a slot
// must be acquired before any remote work, and a handle runs at most one
// remote command at a time, so worst-case concurrent sessions equal the
// number of acquired handles.
package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Options configures the SSH channel.
type Options struct {
	Host           string
	Port           int
	User           string
	PrivateKeyPath string
	Password       string
	HostKey        string // Base64-encoded SSH public key
	KnownHostsFile string // Path to known_hosts file
	// SessionBudget is the maximum number of concurrently acquired
	// handles. Minimum 1.
	SessionBudget int
	// ConnectTimeout bounds both the TCP dial and the wait for a free slot.
	ConnectTimeout time.Duration
	// KeepAlive is the interval of keep-alive probes during a running
	// command, so a stalled remote process is detected rather than
	// hanging indefinitely.
	KeepAlive time.Duration
	// ExecTimeout is the default per-command timeout.
	ExecTimeout time.Duration
}

// ExecResult is the outcome of one remote command.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Combined returns stdout and stderr concatenated for diagnostics.
func (r *ExecResult) Combined() string {
	if len(r.Stderr) == 0 {
		return string(r.Stdout)
	}
	return string(r.Stdout) + string(r.Stderr)
}

// Handle is a channel slot good for one logical operation. It may run
// several commands sequentially but never more than one at a time, so a
// held handle accounts for at most one remote session.
type Handle interface {
	// Exec runs one remote command, optionally piping stdin to it, and
	// returns the result. A non-zero exit is reported as *RemoteExecError.
	Exec(ctx context.Context, command string, stdin io.Reader) (*ExecResult, error)
	// Release returns the slot. Safe to call more than once.
	Release() error
}

// Channel hands out budget-constrained handles.
type Channel interface {
	// Acquire blocks until a slot is available, bounded by the connect
	// timeout, then establishes the transport connection.
	Acquire(ctx context.Context) (Handle, error)
}

// SSHChannel is the production Channel over an SSH transport.
type SSHChannel struct {
	opts   Options
	slots  chan struct{}
	logger zerolog.Logger

	// dial is swapped in tests.
	dial func(ctx context.Context) (sshConn, error)
}

// sshConn is the slice of *ssh.Client the handle needs.
type sshConn interface {
	NewSession() (*ssh.Session, error)
	SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error)
	Close() error
}

// NewSSHChannel creates a channel with the given options.
func NewSSHChannel(opts Options, logger zerolog.Logger) (*SSHChannel, error) {
	if opts.Port == 0 {
		opts.Port = 22
	}
	if opts.SessionBudget < 1 {
		opts.SessionBudget = 1
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.KeepAlive == 0 {
		opts.KeepAlive = 10 * time.Second
	}
	if opts.ExecTimeout == 0 {
		opts.ExecTimeout = 5 * time.Minute
	}

	c := &SSHChannel{
		opts:   opts,
		slots:  make(chan struct{}, opts.SessionBudget),
		logger: logger.With().Str("component", "channel").Logger(),
	}
	for i := 0; i < opts.SessionBudget; i++ {
		c.slots <- struct{}{}
	}
	c.dial = c.dialSSH
	return c, nil
}

// Budget returns the configured session budget.
func (c *SSHChannel) Budget() int { return c.opts.SessionBudget }

// Acquire blocks until a channel slot is available under the session
// budget, then dials the host. Both the slot wait and the dial are bounded
// by the connect timeout; exhaustion is a *ConnectError (retryable).
func (c *SSHChannel) Acquire(ctx context.Context) (Handle, error) {
	addr := net.JoinHostPort(c.opts.Host, fmt.Sprintf("%d", c.opts.Port))

	waitCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	select {
	case <-c.slots:
	case <-waitCtx.Done():
		return nil, &ConnectError{Addr: addr, Err: fmt.Errorf("no channel slot within %s: %w", c.opts.ConnectTimeout, waitCtx.Err())}
	}

	conn, err := c.dial(ctx)
	if err != nil {
		c.slots <- struct{}{}
		return nil, &ConnectError{Addr: addr, Err: err}
	}

	c.logger.Debug().Str("addr", addr).Msg("channel slot acquired")
	return &sshHandle{ch: c, conn: conn}, nil
}

// dialSSH establishes the SSH client connection.
func (c *SSHChannel) dialSSH(ctx context.Context) (sshConn, error) {
	auth, err := c.authMethods()
	if err != nil {
		return nil, err
	}
	hostKeyCallback, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User:            c.opts.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.opts.ConnectTimeout,
	}

	addr := net.JoinHostPort(c.opts.Host, fmt.Sprintf("%d", c.opts.Port))
	dialer := net.Dialer{Timeout: c.opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sc, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SSH handshake: %w", err)
	}
	return ssh.NewClient(sc, chans, reqs), nil
}

// authMethods builds the SSH auth methods from the options.
func (c *SSHChannel) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if c.opts.Password != "" {
		methods = append(methods, ssh.Password(c.opts.Password))
	}
	if c.opts.PrivateKeyPath != "" {
		key, err := os.ReadFile(c.opts.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if len(methods) == 0 {
		return nil, errors.New("no SSH auth method configured")
	}
	return methods, nil
}

// hostKeyCallback builds an ssh.HostKeyCallback from the options.
// Priority: HostKey field > KnownHostsFile > error.
func (c *SSHChannel) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.opts.HostKey != "" {
		raw, err := base64.StdEncoding.DecodeString(c.opts.HostKey)
		if err != nil {
			return nil, fmt.Errorf("decode host key: %w", err)
		}
		key, err := ssh.ParsePublicKey(raw)
		if err != nil {
			return nil, fmt.Errorf("parse host key: %w", err)
		}
		return ssh.FixedHostKey(key), nil
	}

	if c.opts.KnownHostsFile != "" {
		if _, err := os.Stat(c.opts.KnownHostsFile); err != nil {
			return nil, fmt.Errorf("known_hosts file not found: %w", err)
		}
		callback, err := knownhosts.New(c.opts.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("parse known_hosts: %w", err)
		}
		return callback, nil
	}

	return nil, errors.New("host key verification required; provide host_key or known_hosts_file")
}

// sshHandle is one acquired channel slot backed by one SSH connection.
type sshHandle struct {
	ch   *SSHChannel
	conn sshConn

	mu       sync.Mutex
	released bool
}

// Exec runs one remote command on the handle's connection. Commands are
// serialized on the handle; the per-command timeout and keep-alive probing
// come from the channel options.
func (h *sshHandle) Exec(ctx context.Context, command string, stdin io.Reader) (*ExecResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil, errors.New("exec on released channel handle")
	}

	session, err := h.conn.NewSession()
	if err != nil {
		return nil, &ConnectError{Addr: h.ch.opts.Host, Err: fmt.Errorf("open session: %w", err)}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = stdin
	}

	if err := session.Start(command); err != nil {
		return nil, &ConnectError{Addr: h.ch.opts.Host, Err: fmt.Errorf("start command: %w", err)}
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	timeout := h.ch.opts.ExecTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	keepAlive := time.NewTicker(h.ch.opts.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case err := <-done:
			return h.finish(command, &stdout, &stderr, err)
		case <-keepAlive.C:
			// A dead transport surfaces here instead of blocking until
			// the full exec timeout.
			if _, _, err := h.conn.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				session.Close()
				return nil, &TimeoutError{Op: command, Timeout: h.ch.opts.KeepAlive}
			}
		case <-timer.C:
			session.Close()
			return nil, &TimeoutError{Op: command, Timeout: timeout}
		case <-ctx.Done():
			session.Close()
			return nil, ctx.Err()
		}
	}
}

// finish maps the session wait result onto the error taxonomy.
func (h *sshHandle) finish(command string, stdout, stderr *bytes.Buffer, err error) (*ExecResult, error) {
	result := &ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return result, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitStatus()
		return result, &RemoteExecError{
			Command:  command,
			ExitCode: exitErr.ExitStatus(),
			Output:   result.Combined(),
		}
	}
	return nil, &ConnectError{Addr: h.ch.opts.Host, Err: fmt.Errorf("session: %w", err)}
}

// Release closes the connection and returns the slot.
func (h *sshHandle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true
	err := h.conn.Close()
	h.ch.slots <- struct{}{}
	h.ch.logger.Debug().Msg("channel slot released")
	if err != nil {
		return fmt.Errorf("close connection: %w", err)
	}
	return nil
}
