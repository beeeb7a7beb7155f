package netio

import "errors"

// Failure kinds surfaced by this package. Callers match them with errors.Is;
// wrapped errors carry the underlying cause.
var (
	// ErrTimeout means the operation did not complete within its deadline.
	// The connection remains usable; the caller may retry.
	ErrTimeout = errors.New("netio: operation timed out")

	// ErrClosed means the channel was closed, locally or by the peer,
	// before the operation could complete.
	ErrClosed = errors.New("netio: connection closed")

	// ErrHandshake means transport negotiation failed. The connection is
	// unusable afterwards.
	ErrHandshake = errors.New("netio: handshake failed")

	// ErrBufferFull means a write would overwrite unread bytes in a
	// reassembly buffer.
	ErrBufferFull = errors.New("netio: buffer full")

	// ErrFraming means received bytes could not be associated with a
	// message identifier. The connection is left open; policy above
	// decides whether to tear it down.
	ErrFraming = errors.New("netio: cannot demultiplex frame")

	// ErrShortFrame is returned by a Demuxer when the supplied prefix does
	// not yet contain a complete header.
	ErrShortFrame = errors.New("netio: short frame")
)

// errStalled is an internal signal: the destination buffer has no room, so
// the drain loop should back off until a consumer catches up.
var errStalled = errors.New("netio: reassembly buffer stalled")
