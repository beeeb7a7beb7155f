package netio

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"
)

// TLSSocket layers a TLS session over an already-connected conn. The
// session object is not safe for concurrent use in the same direction, so
// reads and writes each get their own lock; a read may proceed alongside a
// write.
//
// The tls.Config is injected fully built (certificates, roots and
// verification policy belong to the caller); this layer only drives the
// session.
type TLSSocket struct {
	conn    *tls.Conn
	server  bool
	readMu  sync.Mutex
	writeMu sync.Mutex
}

// NewTLSSocket wraps conn in a TLS session. Server selects which side of
// the handshake this end plays.
func NewTLSSocket(conn net.Conn, cfg *tls.Config, server bool) *TLSSocket {
	var tc *tls.Conn
	if server {
		tc = tls.Server(conn, cfg)
	} else {
		tc = tls.Client(conn, cfg)
	}
	return &TLSSocket{conn: tc, server: server}
}

func (s *TLSSocket) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	return s.conn.Read(p)
}

func (s *TLSSocket) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(p)
}

func (s *TLSSocket) SetReadDeadline(t time.Time) error  { return s.conn.SetReadDeadline(t) }
func (s *TLSSocket) SetWriteDeadline(t time.Time) error { return s.conn.SetWriteDeadline(t) }

// Handshake runs the full TLS negotiation, including certificate exchange
// and verification per the injected config. On failure the underlying conn
// is closed so no partial session stays reachable.
func (s *TLSSocket) Handshake(deadline time.Time) error {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set handshake deadline: %w", err)
	}
	if err := s.conn.Handshake(); err != nil {
		_ = s.conn.Close()
		return fmt.Errorf("tls negotiation: %s: %w", err, ErrHandshake)
	}
	return s.conn.SetDeadline(time.Time{})
}

func (s *TLSSocket) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }
func (s *TLSSocket) Close() error         { return s.conn.Close() }

// ConnectionState exposes the negotiated session, e.g. for peer
// certificate checks after Handshake.
func (s *TLSSocket) ConnectionState() tls.ConnectionState { return s.conn.ConnectionState() }
