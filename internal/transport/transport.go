// Package transport provides typed SSH connection handles. A Blocking
// transport runs one-shot commands; an Interactive transport hosts
// multiplexed terminal channels and refuses blocking commands while any
// terminal is live.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/ravkin/sshdeck/internal/adapters/realclock"
	"github.com/ravkin/sshdeck/internal/adapters/realsshdialer"
	"github.com/ravkin/sshdeck/internal/ports"
	"github.com/ravkin/sshdeck/internal/sftp"
)

// ExecResult is the outcome of a blocking command.
type ExecResult struct {
	// Output is the combined stdout and stderr.
	Output []byte
	// ExitCode is nil when the command ended without reporting a status
	// (for example when the connection dropped mid-command).
	ExitCode *int
	Duration time.Duration
}

// Option configures a transport at dial time.
type Option func(*conn)

// WithClock sets the clock (for tests).
func WithClock(clock ports.Clock) Option {
	return func(c *conn) { c.clock = clock }
}

// WithDialer sets the SSH dialer (for tests).
func WithDialer(d ports.SSHDialer) Option {
	return func(c *conn) { c.dialer = d }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *conn) { c.log = log }
}

// conn is the shared connection core of both transport kinds.
type conn struct {
	mu     sync.Mutex
	client *ssh.Client
	params Params

	keepaliveStop chan struct{}
	files         *sftp.Client

	// sendRequest is the client's global-request sender, captured at dial so
	// keepalive probes can run without holding mu.
	sendRequest func(name string, wantReply bool, payload []byte) (bool, []byte, error)

	clock  ports.Clock
	dialer ports.SSHDialer
	log    *slog.Logger
}

func newConn(p Params, opts []Option) *conn {
	c := &conn{
		params: p.withDefaults(),
		clock:  realclock.New(),
		dialer: realsshdialer.New(),
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// dial establishes the SSH connection and starts the keepalive loop.
func (c *conn) dial() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	auth, err := buildAuthMethods(c.params)
	if err != nil {
		return err
	}
	hostKey, err := buildHostKeyCallback(c.params)
	if err != nil {
		return err
	}

	cfg := &ssh.ClientConfig{
		User:            c.params.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         c.params.DialTimeout,
	}

	client, err := c.dialer.Dial("tcp", c.params.Addr(), cfg)
	if err != nil {
		if isAuthError(err) {
			return fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		return fmt.Errorf("ssh dial %s: %w", c.params.Addr(), err)
	}

	c.client = client
	c.sendRequest = client.SendRequest
	c.keepaliveStop = make(chan struct{})

	// Copy the channel reference so the goroutine never reads the struct field.
	stop := c.keepaliveStop
	go c.keepalive(stop)

	c.log.Info("transport connected", "host", c.params.Host, "port", c.params.Port, "user", c.params.User)
	return nil
}

// isAuthError detects authentication failures in the handshake error text.
func isAuthError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "permission denied")
}

// keepalive sends periodic keepalive requests to prevent connection timeout.
// The probe runs outside the lock: a wedged peer must not stall Close or new
// sessions behind it.
func (c *conn) keepalive(stop <-chan struct{}) {
	ticker := c.clock.NewTicker(c.params.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			c.mu.Lock()
			send := c.sendRequest
			c.mu.Unlock()
			if send != nil {
				// A failed keepalive is left for the next operation to
				// surface; closing here would race with in-flight work.
				_, _, _ = send("keepalive@openssh.com", true, nil)
			}
		}
	}
}

func (c *conn) newSession() (*ssh.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil, ErrNotConnected
	}
	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	return session, nil
}

// IsConnected reports whether the underlying connection is up.
func (c *conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil
}

// Params returns the connection parameters the transport was dialed with.
func (c *conn) Params() Params {
	return c.params
}

// Files returns the SFTP client for this connection, opening the subsystem
// channel on first use.
func (c *conn) Files() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil, ErrNotConnected
	}
	if c.files == nil {
		c.files = sftp.NewClient(c.client)
	}
	return c.files, nil
}

// Close tears down the connection and stops the keepalive loop.
func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.keepaliveStop != nil {
		close(c.keepaliveStop)
		c.keepaliveStop = nil
	}
	c.sendRequest = nil
	if c.files != nil {
		c.files.Close()
		c.files = nil
	}
	if c.client != nil {
		err := c.client.Close()
		c.client = nil
		return err
	}
	return nil
}

// exec runs cmd in a fresh session, collecting combined output. Cancelling
// ctx closes the session, which aborts the remote command.
func (c *conn) exec(ctx context.Context, cmd string) (ExecResult, error) {
	start := c.clock.Now()

	session, err := c.newSession()
	if err != nil {
		return ExecResult{}, err
	}

	type outcome struct {
		output []byte
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := session.CombinedOutput(cmd)
		done <- outcome{output: out, err: err}
	}()

	select {
	case <-ctx.Done():
		session.Close()
		<-done
		return ExecResult{Duration: c.clock.Now().Sub(start)}, ctx.Err()
	case res := <-done:
		session.Close()
		result := ExecResult{
			Output:   res.output,
			Duration: c.clock.Now().Sub(start),
		}
		if res.err == nil {
			zero := 0
			result.ExitCode = &zero
			return result, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(res.err, &exitErr) {
			code := exitErr.ExitStatus()
			result.ExitCode = &code
			return result, nil
		}
		return result, fmt.Errorf("exec %q: %w", cmd, res.err)
	}
}

// Blocking is a transport for one-shot command execution. The session pool
// uses one as the primary connection and spins up short-lived ones when the
// primary is occupied by terminals.
type Blocking struct {
	*conn
}

// DialBlocking connects a new blocking transport.
func DialBlocking(p Params, opts ...Option) (*Blocking, error) {
	c := newConn(p, opts)
	if err := c.dial(); err != nil {
		return nil, err
	}
	return &Blocking{conn: c}, nil
}

// Exec runs cmd and returns its combined output and exit status.
func (b *Blocking) Exec(ctx context.Context, cmd string) (ExecResult, error) {
	return b.exec(ctx, cmd)
}

// Interactive is a transport that hosts terminal channels. Blocking commands
// are refused while any terminal is live so that channel multiplexing never
// competes with bulk command output.
type Interactive struct {
	*conn
	termMu    sync.Mutex
	liveTerms int
}

// DialInteractive connects a new interactive transport.
func DialInteractive(p Params, opts ...Option) (*Interactive, error) {
	c := newConn(p, opts)
	if err := c.dial(); err != nil {
		return nil, err
	}
	return &Interactive{conn: c}, nil
}

// LiveTerminals returns the number of open terminal channels.
func (i *Interactive) LiveTerminals() int {
	i.termMu.Lock()
	defer i.termMu.Unlock()
	return i.liveTerms
}

// Exec runs cmd only when no terminals are open; otherwise it fails with
// ErrTransportBusy and the caller should route to another transport.
func (i *Interactive) Exec(ctx context.Context, cmd string) (ExecResult, error) {
	i.termMu.Lock()
	busy := i.liveTerms > 0
	i.termMu.Unlock()
	if busy {
		return ExecResult{}, ErrTransportBusy
	}
	return i.exec(ctx, cmd)
}

// TermOptions configures a new terminal channel.
type TermOptions struct {
	Term string
	Cols int
	Rows int
}

// OpenTerminal opens a PTY-backed shell channel on the connection.
func (i *Interactive) OpenTerminal(opts TermOptions) (*Term, error) {
	if opts.Term == "" {
		opts.Term = "xterm-256color"
	}
	if opts.Cols == 0 {
		opts.Cols = 80
	}
	if opts.Rows == 0 {
		opts.Rows = 24
	}

	session, err := i.newSession()
	if err != nil {
		return nil, err
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(opts.Term, opts.Rows, opts.Cols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	i.termMu.Lock()
	i.liveTerms++
	i.termMu.Unlock()

	t := &Term{
		session: session,
		stdin:   stdin,
		stdout:  stdout,
		done:    make(chan error, 1),
		onClose: func() {
			i.termMu.Lock()
			i.liveTerms--
			i.termMu.Unlock()
		},
	}
	go func() { t.done <- session.Wait() }()
	return t, nil
}
