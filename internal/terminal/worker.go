// Package terminal runs one worker goroutine per open terminal. The worker
// owns all channel I/O: it drains shell output, pushes queued input through
// the flow controller, and drains again so command echo arrives promptly.
package terminal

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ravkin/sshdeck/internal/adapters/realclock"
	"github.com/ravkin/sshdeck/internal/flowcontrol"
	"github.com/ravkin/sshdeck/internal/ports"
)

// Channel is the terminal channel a worker drives.
type Channel interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Resize(cols, rows int) error
	Close() error
}

// Events are the worker's outbound callbacks. OnData delivers shell output;
// OnClosed fires exactly once when the worker exits. Both may be nil.
type Events struct {
	OnData   func(id string, data []byte)
	OnClosed func(id string, err error)
}

const (
	readBufSize    = 4096
	outputChanSize = 64
	idleSleep      = 2 * time.Millisecond
)

// Worker pumps one terminal channel.
type Worker struct {
	id string
	ch Channel
	fc *flowcontrol.Controller

	events Events
	clock  ports.Clock
	log    *slog.Logger

	mu          sync.Mutex
	closeWanted bool
	pendingSize *[2]int // cols, rows; applied by the loop

	closedOnce sync.Once
}

// Option configures a Worker.
type Option func(*Worker)

// WithClock sets the clock (for tests).
func WithClock(clock ports.Clock) Option {
	return func(w *Worker) { w.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(w *Worker) { w.log = log }
}

// New creates a worker for the given channel. The flow controller is owned
// by the worker from here on; callers enqueue through the worker.
func New(id string, ch Channel, fc *flowcontrol.Controller, events Events, opts ...Option) *Worker {
	w := &Worker{
		id:     id,
		ch:     ch,
		fc:     fc,
		events: events,
		clock:  realclock.New(),
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ID returns the terminal id.
func (w *Worker) ID() string { return w.id }

// Enqueue classifies and queues input for the drain loop. It fails with
// flowcontrol.ErrBufferOverflow when the queue cannot accept more.
func (w *Worker) Enqueue(data []byte) error {
	return w.fc.Enqueue(data, flowcontrol.Classify(data))
}

// Resize requests a PTY resize; the drain loop applies it between writes so
// it never interleaves with channel I/O.
func (w *Worker) Resize(cols, rows int) {
	w.mu.Lock()
	w.pendingSize = &[2]int{cols, rows}
	w.mu.Unlock()
}

// RequestClose asks the drain loop to shut the terminal down.
func (w *Worker) RequestClose() {
	w.mu.Lock()
	w.closeWanted = true
	w.mu.Unlock()
}

// Pending reports the flow controller's queue depth and state.
func (w *Worker) Pending() (int, flowcontrol.State) {
	pending, _, state := w.fc.Stats()
	return pending, state
}

// Run is the worker body; it matches the lifecycle manager's Func signature.
// It returns once shutdown closes, close is requested, or the channel dies.
func (w *Worker) Run(shutdown <-chan struct{}) error {
	output := make(chan []byte, outputChanSize)
	readErr := make(chan error, 1)
	quit := make(chan struct{})
	defer close(quit)

	// The reader goroutine is the only blocking reader. It exits when the
	// channel is closed underneath it or the loop quits.
	go func() {
		buf := make([]byte, readBufSize)
		for {
			n, err := w.ch.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case output <- chunk:
				case <-quit:
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	var exitErr error

loop:
	for {
		select {
		case <-shutdown:
			break loop
		default:
		}
		if w.closeRequested() {
			break
		}

		busy := false

		// Drain pending shell output first so slow consumers never stall
		// the remote side.
		busy = w.drainOutput(output) || busy

		if dead, err := w.checkReader(readErr, output); dead {
			exitErr = err
			break
		}

		w.applyPendingResize()

		// Push queued input within window and batch limits.
		n, err := w.fc.DrainAndWrite(w.ch)
		if err != nil {
			// Fatal write error: the queue is already cleared.
			exitErr = err
			break
		}
		busy = n > 0 || busy

		// Drain again so the echo of what we just wrote goes out without
		// waiting for the next iteration.
		if n > 0 {
			busy = w.drainOutput(output) || busy
		}

		if !busy {
			w.clock.Sleep(idleSleep)
		}
	}

	w.ch.Close()
	// The reader wakes up on close; flush whatever it produced.
	w.drainOutput(output)
	w.fc.Clear()

	w.closedOnce.Do(func() {
		if w.events.OnClosed != nil {
			w.events.OnClosed(w.id, exitErr)
		}
	})
	if exitErr != nil {
		w.log.Warn("terminal worker exited", "terminal_id", w.id, "error", exitErr)
	}
	return exitErr
}

func (w *Worker) closeRequested() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeWanted
}

func (w *Worker) applyPendingResize() {
	w.mu.Lock()
	size := w.pendingSize
	w.pendingSize = nil
	w.mu.Unlock()

	if size != nil {
		if err := w.ch.Resize(size[0], size[1]); err != nil {
			w.log.Debug("resize failed", "terminal_id", w.id, "error", err)
		}
	}
}

// drainOutput forwards every buffered chunk without blocking.
func (w *Worker) drainOutput(output <-chan []byte) bool {
	got := false
	for {
		select {
		case chunk := <-output:
			got = true
			if w.events.OnData != nil {
				w.events.OnData(w.id, chunk)
			}
		default:
			return got
		}
	}
}

// checkReader reports whether the reader goroutine died. EOF after a clean
// shell exit is not an error.
func (w *Worker) checkReader(readErr <-chan error, output <-chan []byte) (bool, error) {
	select {
	case err := <-readErr:
		// Flush output the reader produced before it died.
		w.drainOutput(output)
		if errors.Is(err, io.EOF) {
			return true, nil
		}
		return true, err
	default:
		return false, nil
	}
}
