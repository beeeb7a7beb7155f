package netio

import (
	"net"
	"time"
)

// Socket is the transport seam between a Conn and the wire. The plaintext
// implementation passes straight through to the OS socket; the TLS
// implementation routes the same calls through an established TLS session.
// Further transports plug in here without touching the Conn.
type Socket interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)

	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error

	// Handshake performs whatever negotiation the transport needs before
	// byte I/O is allowed. A zero deadline means no deadline. On failure
	// the socket must not be left in a half-negotiated, usable-looking
	// state.
	Handshake(deadline time.Time) error

	RemoteAddr() net.Addr
	Close() error
}

// TCPSocket is the plaintext transport: raw reads and writes against an
// already-connected conn handed over by a listener or dialer.
type TCPSocket struct {
	conn net.Conn
}

func NewTCPSocket(conn net.Conn) *TCPSocket { return &TCPSocket{conn: conn} }

func (s *TCPSocket) Read(p []byte) (int, error)  { return s.conn.Read(p) }
func (s *TCPSocket) Write(p []byte) (int, error) { return s.conn.Write(p) }

func (s *TCPSocket) SetReadDeadline(t time.Time) error  { return s.conn.SetReadDeadline(t) }
func (s *TCPSocket) SetWriteDeadline(t time.Time) error { return s.conn.SetWriteDeadline(t) }

// Handshake on a plaintext transport has nothing to negotiate.
func (s *TCPSocket) Handshake(time.Time) error { return nil }

func (s *TCPSocket) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }
func (s *TCPSocket) Close() error         { return s.conn.Close() }
