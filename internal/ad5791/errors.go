package ad5791

import "errors"

// Error kinds. Every error returned by this package and by the ports built on
// it wraps exactly one of these, so callers branch with errors.Is.
var (
	// ErrRange: a code or voltage lies outside its representable domain.
	// Always detected before any I/O.
	ErrRange = errors.New("ad5791: value out of range")

	// ErrInvalidPayload: a register write asserts bits outside the
	// register's legal mask. Always detected before any I/O.
	ErrInvalidPayload = errors.New("ad5791: payload outside register mask")

	// ErrProtocol: a readback does not match what was requested, or the
	// bridge answered with something unparseable.
	ErrProtocol = errors.New("ad5791: protocol mismatch")

	// ErrTransport: the line channel to the bridge failed.
	ErrTransport = errors.New("ad5791: transport failure")

	// ErrClosed is returned by every DAC method after Close.
	ErrClosed = errors.New("ad5791: dac closed")
)
