package flowcontrol

import (
	"bytes"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/ravkin/sshdeck/internal/testing/fakes/fakeclock"
)

func newTestController(t *testing.T, cfg Config) (*Controller, *fakeclock.Clock) {
	t.Helper()
	clock := fakeclock.New(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(cfg, WithClock(clock)), clock
}

// scriptedWriter returns one queued error per write, then succeeds.
type scriptedWriter struct {
	buf  bytes.Buffer
	errs []error
}

func (w *scriptedWriter) Write(p []byte) (int, error) {
	if len(w.errs) > 0 {
		err := w.errs[0]
		w.errs = w.errs[1:]
		if err != nil {
			return 0, err
		}
	}
	return w.buf.Write(p)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want Priority
	}{
		{"ctrl-c", []byte{0x03}, Control},
		{"ctrl-d", []byte{0x04}, Control},
		{"ctrl-z", []byte{0x1a}, Control},
		{"enter", []byte{0x0d}, Control},
		{"newline", []byte{0x0a}, Control},
		{"del", []byte{0x7f}, Control},
		{"backspace", []byte{0x08}, Control},
		{"tab", []byte{0x09}, Control},
		{"arrow-up", []byte{0x1b, '[', 'A'}, Control},
		{"ss3-home", []byte{0x1b, 'O', 'H'}, Control},
		{"plain-char", []byte("a"), Normal},
		{"short-text", []byte("ls -la"), Normal},
		{"paste", bytes.Repeat([]byte("x"), 101), Bulk},
		{"at-threshold", bytes.Repeat([]byte("x"), 100), Normal},
		{"empty", nil, Normal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.data); got != tt.want {
				t.Errorf("Classify(%q) = %v, want %v", tt.data, got, tt.want)
			}
		})
	}
}

func TestDrainWritesByPriority(t *testing.T) {
	c, _ := newTestController(t, Config{WriteBatchBytes: 4096})

	if err := c.Enqueue([]byte("bulk-"+string(bytes.Repeat([]byte("x"), 100))), Bulk); err != nil {
		t.Fatalf("Enqueue bulk: %v", err)
	}
	if err := c.Enqueue([]byte("normal"), Normal); err != nil {
		t.Fatalf("Enqueue normal: %v", err)
	}
	if err := c.Enqueue([]byte{0x03}, Control); err != nil {
		t.Fatalf("Enqueue control: %v", err)
	}

	var w scriptedWriter
	if _, err := c.DrainAndWrite(&w); err != nil {
		t.Fatalf("DrainAndWrite: %v", err)
	}

	out := w.buf.Bytes()
	if out[0] != 0x03 {
		t.Errorf("first byte = %#x, want 0x03 (control first)", out[0])
	}
	if !bytes.HasPrefix(out[1:], []byte("normal")) {
		t.Errorf("normal input did not drain before bulk: %q", out[:20])
	}
}

func TestDrainKeepsFIFOWithinClass(t *testing.T) {
	c, _ := newTestController(t, Config{})

	for _, s := range []string{"one", "two", "three"} {
		if err := c.Enqueue([]byte(s), Normal); err != nil {
			t.Fatalf("Enqueue(%q): %v", s, err)
		}
	}

	var w scriptedWriter
	if _, err := c.DrainAndWrite(&w); err != nil {
		t.Fatalf("DrainAndWrite: %v", err)
	}
	if got := w.buf.String(); got != "onetwothree" {
		t.Errorf("drained %q, want onetwothree", got)
	}
}

func TestEnqueueEvictsOldestNormalFirst(t *testing.T) {
	c, _ := newTestController(t, Config{MaxQueueLen: 3})

	if err := c.Enqueue([]byte{0x03}, Control); err != nil {
		t.Fatalf("Enqueue control: %v", err)
	}
	if err := c.Enqueue([]byte("old"), Normal); err != nil {
		t.Fatalf("Enqueue old: %v", err)
	}
	if err := c.Enqueue([]byte("mid"), Normal); err != nil {
		t.Fatalf("Enqueue mid: %v", err)
	}

	// Queue full: this enqueue must evict "old", not the control byte.
	if err := c.Enqueue([]byte("new"), Normal); err != nil {
		t.Fatalf("Enqueue new: %v", err)
	}

	var w scriptedWriter
	if _, err := c.DrainAndWrite(&w); err != nil {
		t.Fatalf("DrainAndWrite: %v", err)
	}
	got := w.buf.String()
	if bytes.Contains([]byte(got), []byte("old")) {
		t.Errorf("evicted entry still drained: %q", got)
	}
	if !bytes.Contains([]byte(got), []byte{0x03}) {
		t.Errorf("control entry was evicted: %q", got)
	}
	if !bytes.Contains([]byte(got), []byte("new")) {
		t.Errorf("new entry missing: %q", got)
	}
}

func TestEnqueueOverflowWhenOnlyUrgentQueued(t *testing.T) {
	c, _ := newTestController(t, Config{MaxQueueLen: 2})

	if err := c.Enqueue([]byte{0x03}, Control); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := c.Enqueue([]byte{0x1b, '[', 'A'}, Navigation); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	err := c.Enqueue([]byte{0x04}, Control)
	if !errors.Is(err, ErrBufferOverflow) {
		t.Fatalf("Enqueue over capacity = %v, want ErrBufferOverflow", err)
	}
}

func TestDrainRespectsWindow(t *testing.T) {
	c, _ := newTestController(t, Config{WindowSize: 10, WriteBatchBytes: 4096})

	if err := c.Enqueue(bytes.Repeat([]byte("a"), 25), Normal); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var w scriptedWriter
	n, err := c.DrainAndWrite(&w)
	if err != nil {
		t.Fatalf("DrainAndWrite: %v", err)
	}
	if n != 10 {
		t.Errorf("wrote %d bytes, want 10 (window cap)", n)
	}
	if c.State() != StateThrottled {
		t.Errorf("state = %v, want throttled after window exhausted", c.State())
	}

	// Peer acknowledges; the remainder drains.
	c.Ack(10)
	n, err = c.DrainAndWrite(&w)
	if err != nil {
		t.Fatalf("DrainAndWrite after ack: %v", err)
	}
	if n != 10 {
		t.Errorf("second drain wrote %d, want 10", n)
	}
	c.Ack(10)
	if _, err := c.DrainAndWrite(&w); err != nil {
		t.Fatalf("DrainAndWrite final: %v", err)
	}
	if got := w.buf.Len(); got != 25 {
		t.Errorf("total written = %d, want 25", got)
	}
	if c.State() != StateNormal {
		t.Errorf("state = %v, want normal after full drain", c.State())
	}
}

func TestBlockedSuspendsWritesUntilAdjustWindow(t *testing.T) {
	c, _ := newTestController(t, Config{WindowSize: 10})
	if err := c.Enqueue([]byte("hello"), Normal); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	c.Block()
	var w scriptedWriter
	n, err := c.DrainAndWrite(&w)
	if err != nil || n != 0 {
		t.Fatalf("DrainAndWrite while blocked = (%d, %v), want (0, nil)", n, err)
	}

	c.AdjustWindow(100)
	if c.State() != StateNormal {
		t.Fatalf("state = %v after AdjustWindow, want normal", c.State())
	}
	if _, err := c.DrainAndWrite(&w); err != nil {
		t.Fatalf("DrainAndWrite: %v", err)
	}
	if w.buf.String() != "hello" {
		t.Errorf("drained %q, want hello", w.buf.String())
	}
}

func TestPeerDrainingBacksOffExponentially(t *testing.T) {
	c, clock := newTestController(t, Config{MaxBackoff: time.Second})
	if err := c.Enqueue([]byte("data"), Normal); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	w := &scriptedWriter{errs: []error{ErrPeerDraining}}
	if _, err := c.DrainAndWrite(w); err != nil {
		t.Fatalf("DrainAndWrite: %v", err)
	}
	if c.State() != StateDraining {
		t.Fatalf("state = %v, want draining", c.State())
	}

	sleeps := clock.Sleeps()
	if len(sleeps) != 1 {
		t.Fatalf("got %d sleeps, want 1", len(sleeps))
	}
	if sleeps[0] != 100*time.Millisecond {
		t.Errorf("backoff = %v, want 100ms after first retry", sleeps[0])
	}
}

func TestBackoffCapped(t *testing.T) {
	c, _ := newTestController(t, Config{MaxBackoff: time.Second})
	if got := c.backoff(20); got != time.Second {
		t.Errorf("backoff(20) = %v, want 1s cap", got)
	}
}

func TestDrainingOnlyControlAndNavigation(t *testing.T) {
	c, _ := newTestController(t, Config{})
	if err := c.Enqueue([]byte("typed"), Normal); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := c.Enqueue([]byte{0x03}, Control); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	c.SetDraining()
	var w scriptedWriter
	if _, err := c.DrainAndWrite(&w); err != nil {
		t.Fatalf("DrainAndWrite: %v", err)
	}
	if got := w.buf.Bytes(); len(got) != 1 || got[0] != 0x03 {
		t.Errorf("draining state wrote %q, want only the control byte", got)
	}
	if c.PendingLen() != 1 {
		t.Errorf("pending = %d, want the normal entry retained", c.PendingLen())
	}
}

func TestFatalErrorClearsQueue(t *testing.T) {
	c, _ := newTestController(t, Config{})
	if err := c.Enqueue([]byte("doomed"), Normal); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := c.Enqueue([]byte("also doomed"), Normal); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	w := &scriptedWriter{errs: []error{syscall.EPIPE}}
	_, err := c.DrainAndWrite(w)
	if !errors.Is(err, syscall.EPIPE) {
		t.Fatalf("DrainAndWrite = %v, want EPIPE", err)
	}
	if c.PendingLen() != 0 {
		t.Errorf("pending = %d after fatal error, want 0", c.PendingLen())
	}
}

func TestStaleEntriesDropped(t *testing.T) {
	c, clock := newTestController(t, Config{StaleAfter: time.Minute})
	if err := c.Enqueue([]byte("stale"), Normal); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	clock.Advance(2 * time.Minute)
	if err := c.Enqueue([]byte("fresh"), Normal); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var w scriptedWriter
	if _, err := c.DrainAndWrite(&w); err != nil {
		t.Fatalf("DrainAndWrite: %v", err)
	}
	if got := w.buf.String(); got != "fresh" {
		t.Errorf("drained %q, want only fresh", got)
	}
}

func TestRetryLimitDropsEntry(t *testing.T) {
	c, _ := newTestController(t, Config{MaxRetries: 2})
	if err := c.Enqueue([]byte("flaky"), Normal); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	w := &scriptedWriter{errs: []error{syscall.EAGAIN, syscall.EAGAIN}}
	for i := 0; i < 2; i++ {
		if _, err := c.DrainAndWrite(w); err != nil {
			t.Fatalf("DrainAndWrite %d: %v", i, err)
		}
	}
	// Two failures hit the retry limit; the next drain drops the entry.
	if _, err := c.DrainAndWrite(w); err != nil {
		t.Fatalf("DrainAndWrite: %v", err)
	}
	if c.PendingLen() != 0 {
		t.Errorf("pending = %d, want entry dropped at retry limit", c.PendingLen())
	}
	if w.buf.Len() != 0 {
		t.Errorf("entry drained despite retry limit: %q", w.buf.String())
	}
}

func TestClearResetsState(t *testing.T) {
	c, _ := newTestController(t, Config{})
	if err := c.Enqueue([]byte("x"), Normal); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	c.SetDraining()
	c.Clear()

	if c.PendingLen() != 0 {
		t.Errorf("pending = %d after Clear, want 0", c.PendingLen())
	}
	if c.State() != StateNormal {
		t.Errorf("state = %v after Clear, want normal", c.State())
	}
}

func TestStatsCountsUrgent(t *testing.T) {
	c, _ := newTestController(t, Config{})
	c.Enqueue([]byte{0x03}, Control)
	c.Enqueue([]byte{0x1b, '[', 'B'}, Navigation)
	c.Enqueue([]byte("abc"), Normal)

	pending, urgent, state := c.Stats()
	if pending != 3 || urgent != 2 || state != StateNormal {
		t.Errorf("Stats() = (%d, %d, %v), want (3, 2, normal)", pending, urgent, state)
	}
}
