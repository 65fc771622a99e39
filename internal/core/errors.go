// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors. Callers wrap them with fmt.Errorf("%w: ...") and match
// with errors.Is.
var (
	// Socket construction errors, fatal to the operation that opened the engine.
	ErrBind       = errors.New("udprec: bind failed")
	ErrResolution = errors.New("udprec: address resolution failed")

	// Trace file errors
	ErrFormat = errors.New("udprec: malformed trace")

	// Per-datagram send/receive failures. Logged by background loops, never returned.
	ErrTransport = errors.New("udprec: transport error")

	// Control errors
	ErrBusy    = errors.New("udprec: session busy")
	ErrNoTrace = errors.New("udprec: no trace loaded")
	ErrClosed  = errors.New("udprec: engine closed")

	// Daemon errors
	ErrDaemonNotRunning = errors.New("udprec: daemon not running")
)
