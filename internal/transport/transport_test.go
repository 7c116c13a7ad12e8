package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/ravkin/sshdeck/internal/testing/fakes/fakeclock"
)

// failDialer always fails with a fixed error.
type failDialer struct {
	err   error
	dials int
}

func (d *failDialer) Dial(network, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	d.dials++
	return nil, d.err
}

func testParams() Params {
	return Params{
		Host:            "host1.example.com",
		User:            "deploy",
		Password:        "secret",
		InsecureHostKey: true,
	}
}

func TestDialAuthFailure(t *testing.T) {
	d := &failDialer{err: errors.New("ssh: handshake failed: ssh: unable to authenticate")}
	_, err := DialBlocking(testParams(), WithDialer(d))
	if !errors.Is(err, ErrAuthFailed) {
		t.Errorf("DialBlocking = %v, want ErrAuthFailed", err)
	}
	if d.dials != 1 {
		t.Errorf("dials = %d, want 1", d.dials)
	}
}

func TestDialNetworkFailureNotAuth(t *testing.T) {
	d := &failDialer{err: errors.New("dial tcp: connection refused")}
	_, err := DialBlocking(testParams(), WithDialer(d))
	if err == nil || errors.Is(err, ErrAuthFailed) {
		t.Errorf("DialBlocking = %v, want non-auth dial error", err)
	}
}

func TestExecNotConnected(t *testing.T) {
	c := newConn(testParams(), nil)
	_, err := c.exec(context.Background(), "uptime")
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("exec on closed conn = %v, want ErrNotConnected", err)
	}
}

func TestInteractiveExecBusyWithTerminals(t *testing.T) {
	i := &Interactive{conn: newConn(testParams(), nil)}
	i.liveTerms = 1

	_, err := i.Exec(context.Background(), "uptime")
	if !errors.Is(err, ErrTransportBusy) {
		t.Errorf("Exec with live terminal = %v, want ErrTransportBusy", err)
	}
}

func TestKeepaliveDoesNotBlockConnOps(t *testing.T) {
	clock := fakeclock.New(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := newConn(testParams(), []Option{WithClock(clock)})

	probing := make(chan struct{})
	release := make(chan struct{})
	c.sendRequest = func(name string, wantReply bool, payload []byte) (bool, []byte, error) {
		close(probing)
		<-release
		return true, nil, nil
	}
	c.keepaliveStop = make(chan struct{})
	go c.keepalive(c.keepaliveStop)

	// The keepalive goroutine registers its ticker asynchronously; re-fire
	// the tick until the probe observes it.
	for probed := false; !probed; {
		clock.Tick()
		select {
		case <-probing:
			probed = true
		case <-time.After(5 * time.Millisecond):
		}
	}

	// With the probe wedged mid-request, status checks and teardown must
	// still complete.
	done := make(chan struct{})
	go func() {
		c.IsConnected()
		c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connection ops blocked behind a wedged keepalive")
	}
	close(release)
}

func TestParamsAddr(t *testing.T) {
	p := Params{Host: "example.com"}
	if got := p.Addr(); got != "example.com:22" {
		t.Errorf("Addr = %q, want default port 22", got)
	}
	p.Port = 2222
	if got := p.Addr(); got != "example.com:2222" {
		t.Errorf("Addr = %q, want example.com:2222", got)
	}
}

func TestParamsDefaults(t *testing.T) {
	p := Params{Host: "h"}.withDefaults()
	if p.Port != 22 {
		t.Errorf("Port = %d, want 22", p.Port)
	}
	if p.DialTimeout != 30*time.Second {
		t.Errorf("DialTimeout = %v, want 30s", p.DialTimeout)
	}
	if p.KeepaliveInterval != 30*time.Second {
		t.Errorf("KeepaliveInterval = %v, want 30s", p.KeepaliveInterval)
	}
}

func TestMatchHostPattern(t *testing.T) {
	tests := []struct {
		host     string
		patterns string
		want     bool
	}{
		{"web1.example.com", "*.example.com", true},
		{"web1.example.com", "web?.example.com", true},
		{"web1.example.com", "db.example.com", false},
		{"web1.example.com", "*", true},
		{"web1.example.com", "db.* web1.*", true},
		{"bad.example.com", "*.example.com !bad.example.com", false},
		{"web1.example.com", "", false},
	}
	for _, tt := range tests {
		if got := MatchHostPattern(tt.host, tt.patterns); got != tt.want {
			t.Errorf("MatchHostPattern(%q, %q) = %v, want %v", tt.host, tt.patterns, got, tt.want)
		}
	}
}

func TestBuildAuthMethodsRequiresSomething(t *testing.T) {
	_, err := buildAuthMethods(Params{Host: "no-such-host-pattern.invalid", User: "u"})
	if err == nil {
		// Default key probing may find a key on a developer machine; only
		// assert the error classification when nothing was found.
		t.Skip("default keys present on this machine")
	}
	if !errors.Is(err, ErrAuthFailed) {
		t.Errorf("buildAuthMethods = %v, want ErrAuthFailed", err)
	}
}

func TestBuildAuthMethodsPassword(t *testing.T) {
	methods, err := buildAuthMethods(Params{Host: "h", User: "u", Password: "pw"})
	if err != nil {
		t.Fatalf("buildAuthMethods: %v", err)
	}
	// Password plus keyboard-interactive fallback.
	if len(methods) < 2 {
		t.Errorf("got %d methods, want password and keyboard-interactive", len(methods))
	}
}
