// Package session owns the connection pool and routes every operation to
// the right transport: the primary for terminals, a dedicated fast-path for
// dashboard polling, and short-lived disposables for commands that must not
// touch a terminal-hosting connection.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"al.essio.dev/pkg/shellescape"

	"github.com/ravkin/sshdeck/internal/adapters/realclock"
	"github.com/ravkin/sshdeck/internal/channel"
	"github.com/ravkin/sshdeck/internal/flowcontrol"
	"github.com/ravkin/sshdeck/internal/health"
	"github.com/ravkin/sshdeck/internal/ports"
	"github.com/ravkin/sshdeck/internal/sftp"
	"github.com/ravkin/sshdeck/internal/terminal"
	"github.com/ravkin/sshdeck/internal/transport"
	"github.com/ravkin/sshdeck/internal/worker"
)

// Session errors.
var (
	ErrNotConnected     = transport.ErrNotConnected
	ErrTerminalNotFound = errors.New("terminal not found")
)

// Execer runs blocking commands on one connection.
type Execer interface {
	Exec(ctx context.Context, cmd string) (transport.ExecResult, error)
	IsConnected() bool
	Close() error
}

// TerminalHost is a connection that can also carry terminal channels.
type TerminalHost interface {
	Execer
	OpenTerminal(opts transport.TermOptions) (terminal.Channel, error)
	LiveTerminals() int
}

// Dialers produce transports; tests substitute fakes here.
type Dialers struct {
	Interactive func(p transport.Params) (TerminalHost, error)
	Blocking    func(p transport.Params) (Execer, error)
}

func defaultDialers() Dialers {
	return Dialers{
		Interactive: func(p transport.Params) (TerminalHost, error) {
			t, err := transport.DialInteractive(p)
			if err != nil {
				return nil, err
			}
			return interactiveHost{t}, nil
		},
		Blocking: func(p transport.Params) (Execer, error) {
			return transport.DialBlocking(p)
		},
	}
}

// interactiveHost adapts *transport.Interactive to the TerminalHost
// interface (OpenTerminal must return the channel interface type).
type interactiveHost struct {
	*transport.Interactive
}

func (h interactiveHost) OpenTerminal(opts transport.TermOptions) (terminal.Channel, error) {
	return h.Interactive.OpenTerminal(opts)
}

// Subscriber receives push events for one terminal.
type Subscriber struct {
	OnData   func(terminalID string, data []byte)
	OnClosed func(terminalID string)
}

// Options configures a Manager.
type Options struct {
	FlowControl   flowcontrol.Config
	Worker        worker.Config
	Health        health.Thresholds
	ChannelStale  time.Duration
	SweepInterval time.Duration

	Dialers Dialers
	Clock   ports.Clock
	Logger  *slog.Logger
}

type termRecord struct {
	worker *terminal.Worker
	sub    Subscriber
}

// Manager is the session pool for one remote host.
type Manager struct {
	mu      sync.Mutex
	params  *transport.Params
	primary TerminalHost
	fast    Execer

	terminals   map[string]*termRecord
	closedTerms map[string]struct{}

	registry *channel.Registry
	workers  *worker.Manager
	monitor  *health.Monitor

	opts  Options
	clock ports.Clock
	log   *slog.Logger
}

// NewManager creates a disconnected Manager.
func NewManager(opts Options) *Manager {
	if opts.Dialers.Interactive == nil || opts.Dialers.Blocking == nil {
		opts.Dialers = defaultDialers()
	}
	if opts.Clock == nil {
		opts.Clock = realclock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ChannelStale == 0 {
		opts.ChannelStale = time.Hour
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = 30 * time.Second
	}

	m := &Manager{
		terminals:   make(map[string]*termRecord),
		closedTerms: make(map[string]struct{}),
		registry:    channel.NewRegistry(opts.ChannelStale, channel.WithClock(opts.Clock)),
		workers:     worker.NewManager(opts.Worker, worker.WithClock(opts.Clock), worker.WithLogger(opts.Logger)),
		monitor:     health.NewMonitor(opts.Health, health.WithClock(opts.Clock)),
		opts:        opts,
		clock:       opts.Clock,
		log:         opts.Logger,
	}
	m.registry.StartSweep(opts.SweepInterval, m.onChannelsReclaimed)
	return m
}

// Connect opens the primary transport and the dashboard fast-path, caching
// the params for disposable transports and transparent reconnection.
func (m *Manager) Connect(p transport.Params) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.primary != nil {
		return errors.New("already connected")
	}

	primary, err := m.opts.Dialers.Interactive(p)
	if err != nil {
		m.monitor.Record(health.KindWriteFailure, "connect failed")
		return err
	}

	fast, err := m.opts.Dialers.Blocking(p)
	if err != nil {
		primary.Close()
		m.monitor.Record(health.KindWriteFailure, "fast-path connect failed")
		return err
	}

	m.primary = primary
	m.fast = fast
	cached := p
	m.params = &cached
	m.log.Info("session connected", "host", p.Host, "user", p.User)
	return nil
}

// IsConnected reports whether the primary transport is up.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.primary != nil && m.primary.IsConnected()
}

// Execute runs a command. With no terminals open it uses the primary
// transport; with terminals open the primary must never be used for
// synchronous execution, so a disposable transport handles the call.
func (m *Manager) Execute(ctx context.Context, cmd string) (transport.ExecResult, error) {
	m.mu.Lock()
	primary := m.primary
	params := m.params
	m.mu.Unlock()

	if primary == nil {
		return transport.ExecResult{}, ErrNotConnected
	}

	if primary.LiveTerminals() > 0 {
		return m.executeDisposable(ctx, cmd, params)
	}

	if !primary.IsConnected() {
		var err error
		if primary, err = m.reconnectPrimary(params); err != nil {
			return transport.ExecResult{}, err
		}
	}

	res, err := primary.Exec(ctx, cmd)
	if errors.Is(err, transport.ErrTransportBusy) {
		// A terminal opened while we were routing.
		return m.executeDisposable(ctx, cmd, params)
	}
	if err != nil {
		m.monitor.Record(health.KindWriteFailure, "execute failed")
		return res, err
	}
	m.monitor.Record(health.KindWrite, "")
	return res, nil
}

// executeDisposable dials a one-shot blocking transport from cached params,
// runs the command, and tears the transport down.
func (m *Manager) executeDisposable(ctx context.Context, cmd string, params *transport.Params) (transport.ExecResult, error) {
	if params == nil {
		return transport.ExecResult{}, ErrNotConnected
	}

	t, err := m.opts.Dialers.Blocking(*params)
	if err != nil {
		m.monitor.Record(health.KindWriteFailure, "disposable connect failed")
		return transport.ExecResult{}, fmt.Errorf("disposable transport: %w", err)
	}
	defer t.Close()

	res, err := t.Exec(ctx, cmd)
	if err != nil {
		m.monitor.Record(health.KindWriteFailure, "disposable execute failed")
		return res, err
	}
	m.monitor.Record(health.KindWrite, "")
	return res, nil
}

// ExecuteFastPath runs a command on the dedicated dashboard transport. It is
// isolated from terminal activity on the primary by construction.
func (m *Manager) ExecuteFastPath(ctx context.Context, cmd string) (transport.ExecResult, error) {
	m.mu.Lock()
	fast := m.fast
	params := m.params
	m.mu.Unlock()

	if fast == nil {
		return transport.ExecResult{}, ErrNotConnected
	}

	if !fast.IsConnected() {
		var err error
		if fast, err = m.reconnectFastPath(params); err != nil {
			return transport.ExecResult{}, err
		}
	}

	res, err := fast.Exec(ctx, cmd)
	if err != nil {
		m.monitor.Record(health.KindWriteFailure, "fast-path execute failed")
		return res, err
	}
	m.monitor.Record(health.KindWrite, "")
	return res, nil
}

// ExecuteFastPathAs runs a dashboard command as another user. The su fallback
// is gated on sudo availability, not on the command's exit code, and the whole
// decision runs remotely in one round trip so a legitimately failing command
// is never executed twice.
func (m *Manager) ExecuteFastPathAs(ctx context.Context, user, cmd string) (transport.ExecResult, error) {
	quotedUser := shellescape.Quote(user)
	quotedCmd := shellescape.Quote(cmd)
	wrapped := fmt.Sprintf(
		"if command -v sudo >/dev/null 2>&1; then sudo -n -u %s bash -c %s; else su - %s -c %s; fi",
		quotedUser, quotedCmd, quotedUser, quotedCmd)
	return m.ExecuteFastPath(ctx, wrapped)
}

// reconnectPrimary redials the primary once from cached params. Callers get
// the error directly if the redial fails; there is no retry loop.
func (m *Manager) reconnectPrimary(params *transport.Params) (TerminalHost, error) {
	if params == nil {
		return nil, ErrNotConnected
	}
	// A dead primary is almost always a missed keepalive; note it before
	// the redial so health reflects the outage.
	m.monitor.Record(health.KindKeepaliveFailure, "primary found dead")

	primary, err := m.opts.Dialers.Interactive(*params)
	if err != nil {
		m.monitor.Record(health.KindWriteFailure, "reconnect failed")
		return nil, fmt.Errorf("reconnect: %w", err)
	}

	m.mu.Lock()
	if m.primary != nil {
		m.primary.Close()
	}
	m.primary = primary
	m.mu.Unlock()

	m.monitor.Record(health.KindReconnect, "primary")
	m.log.Info("primary transport reconnected", "host", params.Host)
	return primary, nil
}

func (m *Manager) reconnectFastPath(params *transport.Params) (Execer, error) {
	if params == nil {
		return nil, ErrNotConnected
	}

	fast, err := m.opts.Dialers.Blocking(*params)
	if err != nil {
		m.monitor.Record(health.KindWriteFailure, "fast-path reconnect failed")
		return nil, fmt.Errorf("fast-path reconnect: %w", err)
	}

	m.mu.Lock()
	if m.fast != nil {
		m.fast.Close()
	}
	m.fast = fast
	m.mu.Unlock()

	m.monitor.Record(health.KindReconnect, "fast-path")
	return fast, nil
}

// OpenTerminal opens a PTY channel on the primary transport and starts its
// worker under the lifecycle manager.
func (m *Manager) OpenTerminal(id string, cols, rows int, sub Subscriber) error {
	m.mu.Lock()
	primary := m.primary
	if primary == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	if _, ok := m.terminals[id]; ok {
		m.mu.Unlock()
		return fmt.Errorf("terminal %q already open", id)
	}
	m.mu.Unlock()

	ch, err := primary.OpenTerminal(transport.TermOptions{Cols: cols, Rows: rows})
	if err != nil {
		m.monitor.Record(health.KindChannelError, "open terminal failed")
		return fmt.Errorf("open terminal: %w", err)
	}

	fc := flowcontrol.New(m.opts.FlowControl,
		flowcontrol.WithClock(m.clock),
		flowcontrol.WithEventFunc(m.flowEvent))

	w := terminal.New(id, ch, fc, terminal.Events{
		OnData: func(termID string, data []byte) {
			m.registry.Touch(termID)
			m.workers.Touch(termID)
			if sub.OnData != nil {
				sub.OnData(termID, data)
			}
		},
		OnClosed: func(termID string, err error) {
			m.finishTerminal(termID, err)
		},
	}, terminal.WithClock(m.clock), terminal.WithLogger(m.log))

	m.mu.Lock()
	m.terminals[id] = &termRecord{worker: w, sub: sub}
	delete(m.closedTerms, id)
	m.mu.Unlock()
	m.registry.Register(id)

	if err := m.workers.Spawn(id, w.Run); err != nil {
		m.mu.Lock()
		delete(m.terminals, id)
		m.mu.Unlock()
		m.registry.Remove(id)
		ch.Close()
		return fmt.Errorf("spawn terminal worker: %w", err)
	}

	m.log.Info("terminal opened", "terminal_id", id, "cols", cols, "rows", rows)
	return nil
}

// finishTerminal records a worker exit, whatever triggered it.
func (m *Manager) finishTerminal(id string, err error) {
	m.mu.Lock()
	rec, ok := m.terminals[id]
	if ok {
		delete(m.terminals, id)
		m.closedTerms[id] = struct{}{}
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if err != nil {
		m.registry.SetState(id, channel.Errored)
		m.monitor.Record(health.KindChannelError, err.Error())
	} else {
		m.registry.SetState(id, channel.Closed)
	}

	if rec.sub.OnClosed != nil {
		rec.sub.OnClosed(id)
	}
	m.log.Info("terminal closed", "terminal_id", id, "error", err)
}

// SendTerminalInput validates the channel and queues input for the worker.
// Overflow surfaces synchronously so the UI can tell the user input was
// dropped.
func (m *Manager) SendTerminalInput(id string, data []byte) error {
	m.mu.Lock()
	rec, ok := m.terminals[id]
	m.mu.Unlock()
	if !ok {
		return ErrTerminalNotFound
	}

	if err := m.registry.ValidateForWrite(id); err != nil {
		return err
	}

	if err := rec.worker.Enqueue(data); err != nil {
		return err
	}
	m.registry.Touch(id)
	m.workers.Touch(id)
	return nil
}

// ResizeTerminal requests a PTY resize.
func (m *Manager) ResizeTerminal(id string, cols, rows int) error {
	m.mu.Lock()
	rec, ok := m.terminals[id]
	m.mu.Unlock()
	if !ok {
		return ErrTerminalNotFound
	}
	rec.worker.Resize(cols, rows)
	return nil
}

// CloseTerminal shuts one terminal down. Closing a terminal that was never
// opened is an error; closing one that already closed is a no-op.
func (m *Manager) CloseTerminal(id string) error {
	m.mu.Lock()
	rec, ok := m.terminals[id]
	if !ok {
		_, wasClosed := m.closedTerms[id]
		m.mu.Unlock()
		if wasClosed {
			return nil
		}
		return ErrTerminalNotFound
	}
	m.mu.Unlock()

	m.registry.RequestClose(id)
	rec.worker.RequestClose()
	if err := m.workers.Stop(id); err != nil && !errors.Is(err, worker.ErrWorkerNotFound) {
		return err
	}
	return nil
}

// CloseAllTerminals closes every open terminal and returns how many.
func (m *Manager) CloseAllTerminals() int {
	m.mu.Lock()
	ids := make([]string, 0, len(m.terminals))
	for id := range m.terminals {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.CloseTerminal(id); err != nil {
			m.log.Warn("close terminal failed", "terminal_id", id, "error", err)
		}
	}
	return len(ids)
}

// Terminals returns the ids of open terminals.
func (m *Manager) Terminals() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.terminals))
	for id := range m.terminals {
		ids = append(ids, id)
	}
	return ids
}

// FileTransfer is implemented by transports that can open an SFTP channel.
type FileTransfer interface {
	Files() (*sftp.Client, error)
}

// Files returns the SFTP client on the fast-path transport, so directory
// listings and transfers never contend with interactive terminals.
func (m *Manager) Files() (*sftp.Client, error) {
	m.mu.Lock()
	fast := m.fast
	m.mu.Unlock()

	if fast == nil {
		return nil, ErrNotConnected
	}
	ft, ok := fast.(FileTransfer)
	if !ok {
		return nil, errors.New("file transfer not supported by this transport")
	}
	return ft.Files()
}

// ListDir lists a remote directory over the fast-path SFTP channel.
func (m *Manager) ListDir(path string) ([]sftp.Entry, error) {
	files, err := m.Files()
	if err != nil {
		return nil, err
	}
	return files.List(path)
}

// Health returns the advisory health report.
func (m *Manager) Health() health.Report {
	return m.monitor.CheckHealth()
}

// Disconnect closes all terminals and transports and invalidates the cached
// connection params, including the retained credential.
func (m *Manager) Disconnect() {
	m.CloseAllTerminals()

	m.mu.Lock()
	if m.primary != nil {
		m.primary.Close()
		m.primary = nil
	}
	if m.fast != nil {
		m.fast.Close()
		m.fast = nil
	}
	m.params = nil
	m.mu.Unlock()

	m.log.Info("session disconnected")
}

// Close tears the manager down entirely.
func (m *Manager) Close() error {
	m.Disconnect()
	m.registry.StopSweep()
	return m.workers.Close()
}

// onChannelsReclaimed is called by the registry sweep; any terminal whose
// channel went stale gets its worker stopped.
func (m *Manager) onChannelsReclaimed(ids []string) {
	for _, id := range ids {
		m.log.Info("stale channel reclaimed", "terminal_id", id)
		m.mu.Lock()
		rec, ok := m.terminals[id]
		m.mu.Unlock()
		if ok {
			rec.worker.RequestClose()
			m.workers.Stop(id)
		}
	}
}

// flowEvent bridges flow-control observations into the health monitor.
func (m *Manager) flowEvent(ev flowcontrol.Event) {
	switch ev {
	case flowcontrol.EventWindowBlock:
		m.monitor.Record(health.KindWindowBlock, "")
	case flowcontrol.EventOverflow:
		m.monitor.Record(health.KindOverflow, "")
	case flowcontrol.EventRetry:
		m.monitor.Record(health.KindWriteFailure, "input retry")
	case flowcontrol.EventBytesWritten:
		m.monitor.Record(health.KindWrite, "")
	}
}
