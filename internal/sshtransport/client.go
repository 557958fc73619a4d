// Package sshtransport implements the transport collaborator: an
// authenticated channel to one host with command execution and file
// transfer on top of golang.org/x/crypto/ssh.
package sshtransport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	glueerr "github.com/jpoppe/libglue/internal/errors"
	"github.com/jpoppe/libglue/internal/logging"
	"github.com/jpoppe/libglue/internal/target"
)

// MaxCapturedOutput bounds the stdout/stderr captured per command so a
// chatty remote process cannot exhaust control-process memory.
const MaxCapturedOutput = 1 << 20

// ExecResult holds the result of one remote command.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Conn is one live authenticated channel to one target. A Conn is
// owned by exactly one task execution and is never shared.
type Conn interface {
	// Exec runs a command. A non-zero exit code is reported in the
	// result, not as an error; errors mean the transport failed.
	Exec(ctx context.Context, command string) (ExecResult, error)

	// Push copies a local file or directory to the remote host and
	// returns the bytes written.
	Push(ctx context.Context, localSrc, remoteDst string) (int64, error)

	// Pull copies a remote file or directory to the local host and
	// returns the bytes read.
	Pull(ctx context.Context, remoteSrc, localDst string) (int64, error)

	// Ping probes channel liveness for keep-alive.
	Ping() error

	// Close tears down the channel. Safe to call more than once.
	Close() error
}

// Transport establishes authenticated channels to targets.
type Transport interface {
	Dial(ctx context.Context, t target.Target, creds CredentialSource, timeout time.Duration) (Conn, error)
}

// SSHTransport implements Transport with golang.org/x/crypto/ssh.
type SSHTransport struct {
	logger *logging.Logger
}

// NewTransport creates the SSH transport.
func NewTransport(logger *logging.Logger) *SSHTransport {
	if logger == nil {
		logger = logging.Discard()
	}
	return &SSHTransport{logger: logger}
}

// Dial connects and authenticates to one target. Failures are wrapped
// as ConnectionError with auth failures flagged so the session layer
// never retries them.
func (tr *SSHTransport) Dial(ctx context.Context, t target.Target, creds CredentialSource, timeout time.Duration) (Conn, error) {
	authMethods, err := creds.Methods()
	if err != nil {
		return nil, &glueerr.ConnectionError{Addr: t.Addr(), Auth: true, Err: err}
	}

	cfg := &ssh.ClientConfig{
		User:            t.User,
		Auth:            authMethods,
		HostKeyCallback: tr.hostKeyCallback(),
		Timeout:         timeout,
	}

	dialer := &net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", t.Addr())
	if err != nil {
		return nil, &glueerr.ConnectionError{Addr: t.Addr(), Err: err}
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, t.Addr(), cfg)
	if err != nil {
		netConn.Close()
		return nil, &glueerr.ConnectionError{
			Addr: t.Addr(),
			Auth: glueerr.IsAuth(err),
			Err:  fmt.Errorf("ssh handshake: %w", err),
		}
	}

	return &clientConn{
		client: ssh.NewClient(sshConn, chans, reqs),
		target: t,
	}, nil
}

// hostKeyCallback verifies against the user known_hosts, then the
// system file, then falls back to accepting unknown keys with a
// warning. Fleet tools routinely reach hosts absent from known_hosts.
func (tr *SSHTransport) hostKeyCallback() ssh.HostKeyCallback {
	if homeDir, err := os.UserHomeDir(); err == nil {
		userFile := filepath.Join(homeDir, ".ssh", "known_hosts")
		if cb, err := knownhosts.New(userFile); err == nil {
			return cb
		}
	}
	if cb, err := knownhosts.New("/etc/ssh/ssh_known_hosts"); err == nil {
		return cb
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		tr.logger.HostKeyWarning(hostname)
		return nil
	}
}

// clientConn wraps an established *ssh.Client as a Conn. The keepalive
// probe may force-close it while the owning worker is between calls, so
// closed state is tracked under a mutex and every operation checks it
// instead of touching a torn-down client.
type clientConn struct {
	client *ssh.Client
	target target.Target

	mu     sync.Mutex
	closed bool
}

// live returns the client, or a ConnectionError if the conn was closed.
func (c *clientConn) live() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.client == nil {
		return nil, &glueerr.ConnectionError{Addr: c.target.Addr(), Err: errors.New("connection closed")}
	}
	return c.client, nil
}

// Exec implements Conn.
func (c *clientConn) Exec(ctx context.Context, command string) (ExecResult, error) {
	client, err := c.live()
	if err != nil {
		return ExecResult{}, err
	}

	session, err := client.NewSession()
	if err != nil {
		return ExecResult{}, &glueerr.ConnectionError{Addr: c.target.Addr(), Err: fmt.Errorf("new session: %w", err)}
	}
	defer session.Close()

	stdout := newCappedBuffer(MaxCapturedOutput)
	stderr := newCappedBuffer(MaxCapturedOutput)
	session.Stdout = stdout
	session.Stderr = stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case err := <-done:
		res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				res.ExitCode = exitErr.ExitStatus()
				return res, nil
			}
			return res, &glueerr.ConnectionError{Addr: c.target.Addr(), Err: fmt.Errorf("exec: %w", err)}
		}
		return res, nil

	case <-ctx.Done():
		// Bounded-time cancellation: ask nicely, then force the
		// channel closed so a wedged remote cannot hold the worker.
		_ = session.Signal(ssh.SIGTERM)
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			_ = session.Signal(ssh.SIGKILL)
			_ = session.Close()
		}
		return ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}, ctx.Err()
	}
}

// Ping implements Conn using the standard keepalive request.
func (c *clientConn) Ping() error {
	client, err := c.live()
	if err != nil {
		return err
	}
	if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
		return &glueerr.ConnectionError{Addr: c.target.Addr(), Err: fmt.Errorf("keepalive: %w", err)}
	}
	return nil
}

// Close implements Conn. Safe to call concurrently and more than once;
// only the first call tears the client down.
func (c *clientConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	client := c.client
	c.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Close()
}
