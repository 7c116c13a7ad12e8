package transport

import (
	"io"
	"sync"

	"golang.org/x/crypto/ssh"
)

// Term is one PTY-backed shell channel on an interactive transport.
// Reads and writes go straight to the channel; flow control and draining
// are the terminal worker's job.
type Term struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader

	done    chan error
	onClose func()

	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

// Read reads shell output. It blocks until data arrives or the channel ends.
func (t *Term) Read(p []byte) (int, error) {
	return t.stdout.Read(p)
}

// Write sends input to the shell.
func (t *Term) Write(p []byte) (int, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, ErrTerminalClosed
	}
	t.mu.Unlock()
	return t.stdin.Write(p)
}

// Resize updates the remote PTY dimensions.
func (t *Term) Resize(cols, rows int) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTerminalClosed
	}
	t.mu.Unlock()
	return t.session.WindowChange(rows, cols)
}

// Done is closed-with-error semantics: it receives the session's exit error
// once the remote shell ends.
func (t *Term) Done() <-chan error {
	return t.done
}

// Close tears down the channel. It is safe to call more than once.
func (t *Term) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()

		t.stdin.Close()
		err = t.session.Close()
		if t.onClose != nil {
			t.onClose()
		}
	})
	return err
}
