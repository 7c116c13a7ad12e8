package transport

import (
	"fmt"
	"time"
)

// Params holds everything needed to (re)establish a connection to one host.
// The session manager caches these so it can spin up disposable transports
// and reconnect transparently.
type Params struct {
	Host string
	Port int
	User string

	// Authentication. Password may come from the OS keyring; it is retained
	// in memory so disposable transports and reconnects work without
	// re-prompting.
	Password      string
	KeyPath       string
	KeyPassphrase string
	UseAgent      bool

	// KnownHostsPath overrides the default ~/.ssh/known_hosts.
	KnownHostsPath string
	// InsecureHostKey disables host key verification.
	InsecureHostKey bool

	DialTimeout       time.Duration
	KeepaliveInterval time.Duration
}

// Addr returns the host:port dial address.
func (p Params) Addr() string {
	port := p.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", p.Host, port)
}

// withDefaults fills in zero-valued tuning fields.
func (p Params) withDefaults() Params {
	if p.Port == 0 {
		p.Port = 22
	}
	if p.DialTimeout == 0 {
		p.DialTimeout = 30 * time.Second
	}
	if p.KeepaliveInterval == 0 {
		p.KeepaliveInterval = 30 * time.Second
	}
	return p
}
