package transport

import "errors"

// Transport errors.
var (
	// ErrNotConnected is returned by operations on a closed transport.
	ErrNotConnected = errors.New("transport not connected")

	// ErrAuthFailed wraps authentication failures so callers can distinguish
	// them from network errors and skip reconnect attempts.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrTransportBusy is returned when a blocking command is attempted on
	// an interactive transport that currently hosts live terminals.
	ErrTransportBusy = errors.New("transport busy with live terminals")

	// ErrTerminalClosed is returned by terminal operations after Close.
	ErrTerminalClosed = errors.New("terminal closed")
)
