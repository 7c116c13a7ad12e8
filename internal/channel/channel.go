// Package channel tracks the lifecycle state of multiplexed SSH channels so
// that writes against dying channels fail fast with a precise error instead
// of hanging or panicking.
package channel

import (
	"errors"
	"sync"
	"time"

	"github.com/ravkin/sshdeck/internal/adapters/realclock"
	"github.com/ravkin/sshdeck/internal/ports"
)

// Lifecycle state of a tracked channel.
type State int

const (
	// Active channels accept reads and writes.
	Active State = iota
	// Closing channels have begun teardown; no new writes.
	Closing
	// Closed channels are fully torn down.
	Closed
	// Errored channels failed; no new writes.
	Errored
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Errored:
		return "error"
	default:
		return "unknown"
	}
}

// Validation errors returned by ValidateForWrite.
var (
	ErrChannelNotFound  = errors.New("channel not found")
	ErrChannelNotActive = errors.New("channel not active")
	ErrChannelStale     = errors.New("channel stale")
	ErrChannelEOF       = errors.New("channel received EOF")
)

// Managed is the tracked record for one channel.
type Managed struct {
	ID           string
	state        State
	lastActivity time.Time
	eofReceived  bool
	closeWanted  bool
}

// Registry tracks channels for one transport. A background sweep reaps
// channels that have gone silent past the stale timeout.
type Registry struct {
	mu       sync.Mutex
	channels map[string]*Managed

	staleAfter time.Duration
	clock      ports.Clock

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock sets the clock (for tests).
func WithClock(clock ports.Clock) RegistryOption {
	return func(r *Registry) { r.clock = clock }
}

// NewRegistry creates a Registry. Channels idle longer than staleAfter fail
// write validation and are removed by the sweep.
func NewRegistry(staleAfter time.Duration, opts ...RegistryOption) *Registry {
	r := &Registry{
		channels:   make(map[string]*Managed),
		staleAfter: staleAfter,
		clock:      realclock.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register starts tracking a channel in the Active state.
func (r *Registry) Register(id string) {
	r.mu.Lock()
	r.channels[id] = &Managed{
		ID:           id,
		state:        Active,
		lastActivity: r.clock.Now(),
	}
	r.mu.Unlock()
}

// Touch records activity on a channel, refreshing its stale deadline.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	if ch, ok := r.channels[id]; ok {
		ch.lastActivity = r.clock.Now()
	}
	r.mu.Unlock()
}

// SetState transitions a channel to the given state.
func (r *Registry) SetState(id string, s State) {
	r.mu.Lock()
	if ch, ok := r.channels[id]; ok {
		ch.state = s
		ch.lastActivity = r.clock.Now()
	}
	r.mu.Unlock()
}

// MarkEOF records that the peer half-closed the channel. Reads may continue
// to drain buffered data but writes must stop.
func (r *Registry) MarkEOF(id string) {
	r.mu.Lock()
	if ch, ok := r.channels[id]; ok {
		ch.eofReceived = true
	}
	r.mu.Unlock()
}

// RequestClose flags a channel for teardown by its owning worker.
func (r *Registry) RequestClose(id string) {
	r.mu.Lock()
	if ch, ok := r.channels[id]; ok {
		ch.closeWanted = true
		if ch.state == Active {
			ch.state = Closing
		}
	}
	r.mu.Unlock()
}

// CloseRequested reports whether RequestClose was called for the channel.
func (r *Registry) CloseRequested(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[id]
	return ok && ch.closeWanted
}

// StateOf returns the channel's state, or Closed if it is unknown.
func (r *Registry) StateOf(id string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[id]; ok {
		return ch.state
	}
	return Closed
}

// ValidateForWrite checks that a channel can accept a write right now.
// The checks run in order: existence, state, staleness, EOF.
func (r *Registry) ValidateForWrite(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[id]
	if !ok {
		return ErrChannelNotFound
	}
	if ch.state != Active {
		return ErrChannelNotActive
	}
	if r.clock.Now().Sub(ch.lastActivity) > r.staleAfter {
		return ErrChannelStale
	}
	if ch.eofReceived {
		return ErrChannelEOF
	}
	return nil
}

// Remove stops tracking a channel.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.channels, id)
	r.mu.Unlock()
}

// Len returns the number of tracked channels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// Sweep removes channels that are Closed, Errored, or stale. It returns the
// ids removed so callers can release associated resources.
func (r *Registry) Sweep() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	var removed []string
	for id, ch := range r.channels {
		switch {
		case ch.state == Closed || ch.state == Errored:
			removed = append(removed, id)
		case now.Sub(ch.lastActivity) > r.staleAfter:
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		delete(r.channels, id)
	}
	return removed
}

// StartSweep runs Sweep on a ticker until StopSweep is called. Removed ids
// are passed to onRemoved when it is non-nil.
func (r *Registry) StartSweep(interval time.Duration, onRemoved func([]string)) {
	r.mu.Lock()
	if r.sweepStop != nil {
		r.mu.Unlock()
		return
	}
	r.sweepStop = make(chan struct{})
	r.sweepDone = make(chan struct{})
	stop, done := r.sweepStop, r.sweepDone
	r.mu.Unlock()

	ticker := r.clock.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
				if removed := r.Sweep(); len(removed) > 0 && onRemoved != nil {
					onRemoved(removed)
				}
			case <-stop:
				return
			}
		}
	}()
}

// StopSweep stops the background sweep and waits for it to exit.
func (r *Registry) StopSweep() {
	r.mu.Lock()
	stop, done := r.sweepStop, r.sweepDone
	r.sweepStop, r.sweepDone = nil, nil
	r.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}
