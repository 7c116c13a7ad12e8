// Package worker manages long-lived goroutines with explicit lifecycle
// states, cooperative shutdown, and reclamation of workers that stop
// reporting activity.
package worker

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ravkin/sshdeck/internal/adapters/realclock"
	"github.com/ravkin/sshdeck/internal/ports"
)

// Status is the lifecycle state of a managed worker.
type Status int

const (
	Starting Status = iota
	Running
	Stopping
	Stopped
	Failed
)

func (s Status) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Manager errors.
var (
	ErrWorkerExists   = errors.New("worker already exists")
	ErrWorkerNotFound = errors.New("worker not found")
	ErrStopTimeout    = errors.New("worker did not stop in time")
)

// Func is a worker body. It must return promptly once shutdown is closed.
// A non-nil return marks the worker Failed; nil marks it Stopped.
type Func func(shutdown <-chan struct{}) error

type record struct {
	id       string
	status   Status
	shutdown chan struct{}
	done     chan struct{}
	lastSeen time.Time
	err      error
}

// Config tunes a Manager.
type Config struct {
	// StopTimeout bounds how long Stop waits for a worker to exit.
	StopTimeout time.Duration
	// StaleAfter reclaims workers whose Touch has gone silent this long.
	StaleAfter time.Duration
	// SweepInterval is how often the background sweep runs.
	SweepInterval time.Duration
}

// DefaultConfig returns the standard lifecycle tuning.
func DefaultConfig() Config {
	return Config{
		StopTimeout:   5 * time.Second,
		StaleAfter:    5 * time.Minute,
		SweepInterval: 30 * time.Second,
	}
}

// Manager spawns and reaps workers.
type Manager struct {
	mu      sync.Mutex
	workers map[string]*record
	cfg     Config
	clock   ports.Clock
	log     *slog.Logger

	sweepStop chan struct{}
	sweepDone chan struct{}
	closed    bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock (for tests).
func WithClock(clock ports.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// NewManager creates a Manager and starts its background sweep.
func NewManager(cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = def.SweepInterval
	}

	m := &Manager{
		workers:   make(map[string]*record),
		cfg:       cfg,
		clock:     realclock.New(),
		log:       slog.Default(),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.sweepLoop()
	return m
}

// Spawn starts fn as a managed worker under the given id.
func (m *Manager) Spawn(id string, fn Func) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("worker manager closed")
	}
	if _, ok := m.workers[id]; ok {
		m.mu.Unlock()
		return ErrWorkerExists
	}
	rec := &record{
		id:       id,
		status:   Starting,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		lastSeen: m.clock.Now(),
	}
	m.workers[id] = rec
	m.mu.Unlock()

	go func() {
		m.setStatus(id, Running)
		err := fn(rec.shutdown)

		m.mu.Lock()
		if err != nil {
			rec.status = Failed
			rec.err = err
		} else {
			rec.status = Stopped
		}
		m.mu.Unlock()
		close(rec.done)

		if err != nil {
			m.log.Warn("worker failed", "worker_id", id, "error", err)
		} else {
			m.log.Debug("worker stopped", "worker_id", id)
		}
	}()
	return nil
}

func (m *Manager) setStatus(id string, s Status) {
	m.mu.Lock()
	if rec, ok := m.workers[id]; ok {
		// A shutdown racing the startup transition must win.
		if !(rec.status == Stopping && s == Running) {
			rec.status = s
		}
	}
	m.mu.Unlock()
}

// Touch records liveness for a worker, deferring stale reclamation.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	if rec, ok := m.workers[id]; ok {
		rec.lastSeen = m.clock.Now()
	}
	m.mu.Unlock()
}

// Status returns the current status of a worker.
func (m *Manager) Status(id string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.workers[id]
	if !ok {
		return Stopped, ErrWorkerNotFound
	}
	return rec.status, nil
}

// Err returns the failure error of a worker, if any.
func (m *Manager) Err(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.workers[id]; ok {
		return rec.err
	}
	return ErrWorkerNotFound
}

// Stop signals a worker to shut down and waits up to StopTimeout for it to
// exit. The worker record is removed whether or not it exits in time.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	rec, ok := m.workers[id]
	if !ok {
		m.mu.Unlock()
		return ErrWorkerNotFound
	}
	if rec.status == Starting || rec.status == Running {
		rec.status = Stopping
		close(rec.shutdown)
	}
	delete(m.workers, id)
	m.mu.Unlock()

	select {
	case <-rec.done:
		return nil
	case <-m.clock.After(m.cfg.StopTimeout):
		m.log.Warn("worker stop timed out", "worker_id", id)
		return ErrStopTimeout
	}
}

// StopAll stops every worker, returning the first error encountered.
func (m *Manager) StopAll() error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var first error
	for _, id := range ids {
		if err := m.Stop(id); err != nil && !errors.Is(err, ErrWorkerNotFound) && first == nil {
			first = err
		}
	}
	return first
}

// Len returns the number of live worker records.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// sweep reclaims finished and stale workers. Stale Running workers get their
// shutdown channel closed and are dropped from tracking.
func (m *Manager) sweep() []string {
	m.mu.Lock()
	now := m.clock.Now()
	var reclaimed []string
	for id, rec := range m.workers {
		switch {
		case rec.status == Stopped || rec.status == Failed:
			reclaimed = append(reclaimed, id)
			delete(m.workers, id)
		case now.Sub(rec.lastSeen) > m.cfg.StaleAfter:
			if rec.status == Starting || rec.status == Running {
				rec.status = Stopping
				close(rec.shutdown)
			}
			reclaimed = append(reclaimed, id)
			delete(m.workers, id)
		}
	}
	m.mu.Unlock()

	for _, id := range reclaimed {
		m.log.Info("worker reclaimed", "worker_id", id)
	}
	return reclaimed
}

func (m *Manager) sweepLoop() {
	defer close(m.sweepDone)
	ticker := m.clock.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			m.sweep()
		case <-m.sweepStop:
			return
		}
	}
}

// Close stops the sweep and all workers.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.sweepStop)
	<-m.sweepDone
	return m.StopAll()
}
