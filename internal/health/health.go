// Package health passively observes session activity and answers advisory
// health queries. It never initiates recovery on its own.
package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/ravkin/sshdeck/internal/adapters/realclock"
	"github.com/ravkin/sshdeck/internal/ports"
)

// Kind classifies an observed event.
type Kind int

const (
	KindWrite Kind = iota
	KindWriteFailure
	KindWindowBlock
	KindOverflow
	KindReconnect
	KindChannelError
	KindKeepaliveFailure
)

func (k Kind) String() string {
	switch k {
	case KindWrite:
		return "write"
	case KindWriteFailure:
		return "write_failure"
	case KindWindowBlock:
		return "window_block"
	case KindOverflow:
		return "overflow"
	case KindReconnect:
		return "reconnect"
	case KindChannelError:
		return "channel_error"
	case KindKeepaliveFailure:
		return "keepalive_failure"
	default:
		return "unknown"
	}
}

// Event is one recorded observation.
type Event struct {
	Kind Kind
	Time time.Time
	Note string
}

// Report is the result of a health check.
type Report struct {
	Healthy  bool
	Warnings []string

	Writes       uint64
	Failures     uint64
	WindowBlocks uint64
	Overflows    uint64
	Reconnects   uint64
	LastActivity time.Time
}

// Thresholds tune when CheckHealth emits warnings.
type Thresholds struct {
	// FailureRate warns when failures/(writes+failures) exceeds this ratio.
	FailureRate float64
	// IdleAfter warns when nothing has been observed for this long.
	IdleAfter time.Duration
	// RingSize bounds the retained event history.
	RingSize int
}

// DefaultThresholds returns the standard advisory thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		FailureRate: 0.2,
		IdleAfter:   5 * time.Minute,
		RingSize:    256,
	}
}

// Monitor accumulates events in a bounded ring plus counters.
type Monitor struct {
	mu     sync.Mutex
	ring   []Event
	next   int
	filled bool

	writes       uint64
	failures     uint64
	windowBlocks uint64
	overflows    uint64
	reconnects   uint64
	lastActivity time.Time

	thresholds Thresholds
	clock      ports.Clock
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock sets the clock (for tests).
func WithClock(clock ports.Clock) Option {
	return func(m *Monitor) { m.clock = clock }
}

// NewMonitor creates a Monitor with the given thresholds.
func NewMonitor(t Thresholds, opts ...Option) *Monitor {
	def := DefaultThresholds()
	if t.FailureRate == 0 {
		t.FailureRate = def.FailureRate
	}
	if t.IdleAfter == 0 {
		t.IdleAfter = def.IdleAfter
	}
	if t.RingSize == 0 {
		t.RingSize = def.RingSize
	}

	m := &Monitor{
		ring:       make([]Event, t.RingSize),
		thresholds: t,
		clock:      realclock.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.lastActivity = m.clock.Now()
	return m
}

// Record stores one observation.
func (m *Monitor) Record(kind Kind, note string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	m.ring[m.next] = Event{Kind: kind, Time: now, Note: note}
	m.next = (m.next + 1) % len(m.ring)
	if m.next == 0 {
		m.filled = true
	}

	switch kind {
	case KindWrite:
		m.writes++
	case KindWriteFailure:
		m.failures++
	case KindWindowBlock:
		m.windowBlocks++
	case KindOverflow:
		m.overflows++
	case KindReconnect:
		m.reconnects++
	}
	m.lastActivity = now
}

// Events returns the retained history, oldest first.
func (m *Monitor) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.filled {
		out := make([]Event, m.next)
		copy(out, m.ring[:m.next])
		return out
	}
	out := make([]Event, 0, len(m.ring))
	out = append(out, m.ring[m.next:]...)
	out = append(out, m.ring[:m.next]...)
	return out
}

// CheckHealth evaluates the counters against the thresholds. The report is
// advisory; callers decide what to do about warnings.
func (m *Monitor) CheckHealth() Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := Report{
		Healthy:      true,
		Writes:       m.writes,
		Failures:     m.failures,
		WindowBlocks: m.windowBlocks,
		Overflows:    m.overflows,
		Reconnects:   m.reconnects,
		LastActivity: m.lastActivity,
	}

	total := m.writes + m.failures
	if total > 0 {
		rate := float64(m.failures) / float64(total)
		if rate > m.thresholds.FailureRate {
			r.Healthy = false
			r.Warnings = append(r.Warnings,
				fmt.Sprintf("write failure rate %.0f%% exceeds %.0f%%",
					rate*100, m.thresholds.FailureRate*100))
		}
	}

	if idle := m.clock.Now().Sub(m.lastActivity); idle > m.thresholds.IdleAfter {
		r.Healthy = false
		r.Warnings = append(r.Warnings,
			fmt.Sprintf("no activity for %s", idle.Round(time.Second)))
	}

	if m.overflows > 0 {
		r.Warnings = append(r.Warnings,
			fmt.Sprintf("%d input buffer overflows observed", m.overflows))
	}

	return r
}
