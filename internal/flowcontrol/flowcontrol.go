// Package flowcontrol implements per-channel write gating for terminal input.
//
// A Controller owns a bounded priority queue of pending input and tracks the
// peer's advertised receive window. The owning terminal worker calls
// DrainAndWrite repeatedly; the controller never writes more than the window
// allows and backs off when the peer signals it is still draining inbound
// data.
package flowcontrol

import (
	"errors"
	"io"
	"sync"
	"syscall"
	"time"

	"github.com/ravkin/sshdeck/internal/adapters/realclock"
	"github.com/ravkin/sshdeck/internal/ports"
)

// State is the flow-control state of one transport/channel pair.
type State int

const (
	// StateNormal allows writes up to the available window.
	StateNormal State = iota
	// StateThrottled means the last attempt could not proceed; retry later.
	StateThrottled
	// StateBlocked suspends all writes until the window grows.
	StateBlocked
	// StateDraining means the peer asked us to hold off while it drains
	// inbound data; only Control/Navigation input is considered.
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateThrottled:
		return "throttled"
	case StateBlocked:
		return "blocked"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Flow-control errors.
var (
	// ErrBufferOverflow is returned by Enqueue when the queue bound cannot
	// be satisfied even after evicting low-priority entries.
	ErrBufferOverflow = errors.New("input buffer overflow")

	// ErrWindowExhausted signals a transient inability to write; the caller
	// may retry after the peer advertises more window.
	ErrWindowExhausted = errors.New("send window exhausted")

	// ErrPeerDraining is returned by writers when the peer is still draining
	// previously sent data. It moves the controller into StateDraining.
	ErrPeerDraining = errors.New("peer draining incoming data")
)

// entry is one queued piece of terminal input.
type entry struct {
	data     []byte
	enqueued time.Time
	priority Priority
	retries  int
}

// Config tunes a Controller.
type Config struct {
	// WindowSize is the peer's initial advertised receive window in bytes.
	WindowSize uint32
	// MaxQueueLen bounds the number of queued entries.
	MaxQueueLen int
	// MaxRetries drops an entry once it has failed this many times.
	MaxRetries int
	// StaleAfter drops entries older than this.
	StaleAfter time.Duration
	// WriteBatchBytes caps the bytes written per DrainAndWrite call.
	WriteBatchBytes int
	// MaxBackoff caps the draining backoff delay.
	MaxBackoff time.Duration
}

// DefaultConfig returns the tuning used for interactive terminals.
func DefaultConfig() Config {
	return Config{
		WindowSize:      1 << 20,
		MaxQueueLen:     1024,
		MaxRetries:      100,
		StaleAfter:      time.Hour,
		WriteBatchBytes: 1024,
		MaxBackoff:      time.Second,
	}
}

// Controller gates writes on one channel.
type Controller struct {
	mu    sync.Mutex
	queue []*entry
	state State

	window    uint32
	bytesSent uint64
	bytesAckd uint64

	consecutiveFailures int
	lastWrite           time.Time

	cfg   Config
	clock ports.Clock

	// onEvent, when set, receives flow-control observations (window blocks,
	// overflows, retries) without affecting control flow.
	onEvent func(Event)
}

// Event describes a flow-control observation for passive monitoring.
type Event int

const (
	EventWindowBlock Event = iota
	EventOverflow
	EventRetry
	EventBytesWritten
)

// Option configures a Controller.
type Option func(*Controller)

// WithClock sets the clock (for tests).
func WithClock(clock ports.Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithEventFunc registers a passive observer for flow-control events.
func WithEventFunc(fn func(Event)) Option {
	return func(c *Controller) { c.onEvent = fn }
}

// New creates a Controller with the given config.
func New(cfg Config, opts ...Option) *Controller {
	if cfg.WindowSize == 0 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	if cfg.MaxQueueLen == 0 {
		cfg.MaxQueueLen = DefaultConfig().MaxQueueLen
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = DefaultConfig().StaleAfter
	}
	if cfg.WriteBatchBytes == 0 {
		cfg.WriteBatchBytes = DefaultConfig().WriteBatchBytes
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = DefaultConfig().MaxBackoff
	}

	c := &Controller{
		window: cfg.WindowSize,
		cfg:    cfg,
		clock:  realclock.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.lastWrite = c.clock.Now()
	return c
}

func (c *Controller) emit(ev Event) {
	if c.onEvent != nil {
		c.onEvent(ev)
	}
}

// Enqueue inserts input in priority order, stable among equal priorities.
// At capacity it evicts the oldest entries of priority >= Normal; if no
// eviction frees space it fails with ErrBufferOverflow.
func (c *Controller) Enqueue(data []byte, prio Priority) error {
	if len(data) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) >= c.cfg.MaxQueueLen {
		c.evictLowPriorityLocked()
		if len(c.queue) >= c.cfg.MaxQueueLen {
			c.emit(EventOverflow)
			return ErrBufferOverflow
		}
	}

	e := &entry{
		data:     append([]byte(nil), data...),
		enqueued: c.clock.Now(),
		priority: prio,
	}

	// Insert before the first strictly lower-priority entry, keeping FIFO
	// order within a priority class.
	at := len(c.queue)
	for i, existing := range c.queue {
		if prio < existing.priority {
			at = i
			break
		}
	}
	c.queue = append(c.queue, nil)
	copy(c.queue[at+1:], c.queue[at:])
	c.queue[at] = e
	return nil
}

// evictLowPriorityLocked removes oldest entries of priority >= Normal until
// the queue is under the bound or no evictable entries remain.
func (c *Controller) evictLowPriorityLocked() {
	for len(c.queue) >= c.cfg.MaxQueueLen {
		evicted := false
		for i, e := range c.queue {
			if e.priority >= Normal {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			return
		}
	}
}

// DrainAndWrite pushes eligible queued input to w, respecting the window and
// the per-call byte cap. It returns the number of bytes written. Fatal
// transport errors clear the queue and are returned; transient conditions
// adjust state and return nil.
func (c *Controller) DrainAndWrite(w io.Writer) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateBlocked {
		return 0, nil
	}
	drainingOnly := c.state == StateDraining

	total := 0
	i := 0
	for i < len(c.queue) && total < c.cfg.WriteBatchBytes {
		e := c.queue[i]

		if drainingOnly && e.priority > Navigation {
			i++
			continue
		}

		// Drop stale or repeatedly failed entries.
		if c.clock.Now().Sub(e.enqueued) > c.cfg.StaleAfter || e.retries >= c.cfg.MaxRetries {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			continue
		}

		available := c.availableWindowLocked()
		if available == 0 {
			c.state = StateThrottled
			c.emit(EventWindowBlock)
			break
		}

		limit := int(available)
		if rem := c.cfg.WriteBatchBytes - total; rem < limit {
			limit = rem
		}
		chunk := e.data
		if len(chunk) > limit {
			chunk = chunk[:limit]
		}

		n, err := w.Write(chunk)
		if n > 0 {
			c.bytesSent += uint64(n)
			total += n
			c.emit(EventBytesWritten)
		}
		if err != nil {
			switch classifyWriteError(err) {
			case writeFatal:
				// Writing against a dead transport: discard everything.
				c.queue = nil
				return total, err
			case writeDraining:
				c.state = StateDraining
				e.retries++
				retries := e.retries
				c.trimWritten(e, n)
				c.emit(EventRetry)
				c.mu.Unlock()
				c.clock.Sleep(c.backoff(retries))
				c.mu.Lock()
				return total, nil
			default: // transient
				c.state = StateThrottled
				e.retries++
				c.consecutiveFailures++
				c.emit(EventRetry)
				c.trimWritten(e, n)
				return total, nil
			}
		}

		if n < len(e.data) {
			// Partial write: keep the remainder at the head of its class.
			e.data = e.data[n:]
			c.touchSuccessLocked()
			continue
		}

		c.queue = append(c.queue[:i], c.queue[i+1:]...)
		c.touchSuccessLocked()
	}

	return total, nil
}

// trimWritten drops the bytes of e that were written before an error.
func (c *Controller) trimWritten(e *entry, n int) {
	if n > 0 && n < len(e.data) {
		e.data = e.data[n:]
	}
}

func (c *Controller) touchSuccessLocked() {
	c.consecutiveFailures = 0
	c.lastWrite = c.clock.Now()
	if c.state != StateNormal {
		c.state = StateNormal
	}
}

// backoff returns the draining backoff delay: min(MaxBackoff, 50ms * 2^retries).
func (c *Controller) backoff(retries int) time.Duration {
	d := 50 * time.Millisecond
	for i := 0; i < retries && d < c.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > c.cfg.MaxBackoff {
		d = c.cfg.MaxBackoff
	}
	return d
}

// availableWindowLocked is window minus bytes in flight.
func (c *Controller) availableWindowLocked() uint32 {
	inflight := c.bytesSent - c.bytesAckd
	if inflight >= uint64(c.window) {
		return 0
	}
	return c.window - uint32(inflight)
}

// AdjustWindow grows the advertised window and unblocks a Blocked controller
// once space is available.
func (c *Controller) AdjustWindow(n uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.window += n
	if c.state == StateBlocked && c.availableWindowLocked() > 0 {
		c.state = StateNormal
	}
}

// Ack records peer acknowledgement of n sent bytes.
func (c *Controller) Ack(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.bytesAckd += n
	if c.bytesAckd > c.bytesSent {
		c.bytesAckd = c.bytesSent
	}
}

// Block suspends writes until AdjustWindow frees space.
func (c *Controller) Block() {
	c.mu.Lock()
	c.state = StateBlocked
	c.mu.Unlock()
}

// SetDraining forces the draining state (used when the peer signals it out of
// band rather than via a write error).
func (c *Controller) SetDraining() {
	c.mu.Lock()
	c.state = StateDraining
	c.mu.Unlock()
}

// Clear discards all queued input and resets to Normal.
func (c *Controller) Clear() {
	c.mu.Lock()
	c.queue = nil
	c.state = StateNormal
	c.mu.Unlock()
}

// State returns the current flow-control state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PendingLen returns the number of queued entries.
func (c *Controller) PendingLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Stats reports queue depth, urgent entry count, and state.
func (c *Controller) Stats() (pending, urgent int, state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.queue {
		if e.priority <= Navigation {
			urgent++
		}
	}
	return len(c.queue), urgent, c.state
}

type writeErrKind int

const (
	writeTransient writeErrKind = iota
	writeDraining
	writeFatal
)

// classifyWriteError maps a write error to its recovery class.
func classifyWriteError(err error) writeErrKind {
	switch {
	case errors.Is(err, ErrPeerDraining):
		return writeDraining
	case errors.Is(err, ErrWindowExhausted),
		errors.Is(err, syscall.EAGAIN):
		return writeTransient
	case errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, io.EOF):
		return writeFatal
	default:
		return writeTransient
	}
}
