// Package ports defines interfaces for external dependencies so they can be
// faked in tests.
package ports

import (
	"time"

	"golang.org/x/crypto/ssh"
)

// Clock abstracts time operations.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Sleep pauses the calling goroutine for d.
	Sleep(d time.Duration)

	// After returns a channel that receives the current time after d.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a ticker firing every d.
	NewTicker(d time.Duration) Ticker
}

// Ticker wraps time.Ticker.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// SSHDialer abstracts SSH connection establishment.
type SSHDialer interface {
	Dial(network, addr string, config *ssh.ClientConfig) (*ssh.Client, error)
}
