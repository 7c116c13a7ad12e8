// Package realclock implements the Clock port with the standard time package.
package realclock

import (
	"time"

	"github.com/ravkin/sshdeck/internal/ports"
)

// Clock implements ports.Clock.
type Clock struct{}

// New returns a new real Clock.
func New() *Clock {
	return &Clock{}
}

func (c *Clock) Now() time.Time {
	return time.Now()
}

func (c *Clock) Sleep(d time.Duration) {
	time.Sleep(d)
}

func (c *Clock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (c *Clock) NewTicker(d time.Duration) ports.Ticker {
	return &ticker{t: time.NewTicker(d)}
}

type ticker struct {
	t *time.Ticker
}

func (t *ticker) C() <-chan time.Time { return t.t.C }
func (t *ticker) Stop()               { t.t.Stop() }

var _ ports.Clock = (*Clock)(nil)
