// Package mesh wires the parties of a deployment together: every pair of
// parties shares one connection, set up with a transport handshake followed
// by a signed hello exchange, and protocol traffic is addressed by
// (party, round, tag).
package mesh

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/oasisprotocol/ed25519"
	"github.com/rs/zerolog"

	"github.com/parley-io/parley/config"
	"github.com/parley-io/parley/netio"
)

// DefaultHandshakeTimeout bounds the transport handshake and the hello
// exchange of one connection attempt.
const DefaultHandshakeTimeout = 10 * time.Second

const dialAttempts = 8

// helloID is the control stream the hello exchange runs on.
var helloID = netio.NamedMsgID("mesh/hello")

// PartyInfo is what a mesh needs to know about one remote party.
type PartyInfo struct {
	ID   uint32
	Addr string

	// Pinned, when set, is the only public key accepted from this party.
	Pinned ed25519.PublicKey
}

// Mesh maintains one established connection per peer and routes tagged
// messages over them. The connection pattern is deterministic: each party
// dials peers with a smaller id and accepts from peers with a larger one,
// so every pair ends up with exactly one channel.
type Mesh struct {
	self      uint32
	priv      ed25519.PrivateKey
	pub       ed25519.PublicKey
	tlsConf   *tls.Config
	hsTimeout time.Duration
	bufSize   int
	log       zerolog.Logger

	peers map[uint32]PartyInfo

	mu      sync.Mutex
	conns   map[uint32]*netio.Conn
	dialing map[uint32]struct{} // parties with a dial in flight
	regWake chan struct{}       // closed and replaced whenever a conn registers
	ln      net.Listener

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// MeshOption configures a Mesh at construction.
type MeshOption func(*Mesh)

// WithTLS makes every connection negotiate TLS with the given config.
func WithTLS(cfg *tls.Config) MeshOption { return func(m *Mesh) { m.tlsConf = cfg } }

// WithLogger attaches a structured logger.
func WithLogger(log zerolog.Logger) MeshOption { return func(m *Mesh) { m.log = log } }

// WithHandshakeTimeout overrides DefaultHandshakeTimeout.
func WithHandshakeTimeout(d time.Duration) MeshOption { return func(m *Mesh) { m.hsTimeout = d } }

// WithBufferSize sets the reassembly buffer capacity of every connection.
func WithBufferSize(n int) MeshOption { return func(m *Mesh) { m.bufSize = n } }

// New builds a mesh for the party self, identified by priv, among the
// given peers.
func New(self uint32, peers []PartyInfo, priv ed25519.PrivateKey, opts ...MeshOption) *Mesh {
	m := &Mesh{
		self:      self,
		priv:      priv,
		pub:       priv.Public().(ed25519.PublicKey),
		hsTimeout: DefaultHandshakeTimeout,
		log:       zerolog.Nop(),
		peers:     make(map[uint32]PartyInfo, len(peers)),
		conns:     make(map[uint32]*netio.Conn),
		dialing:   make(map[uint32]struct{}),
		regWake:   make(chan struct{}),
		closed:    make(chan struct{}),
	}
	for _, p := range peers {
		if p.ID != self {
			m.peers[p.ID] = p
		}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FromConfig builds a mesh from a loaded node configuration, including its
// TLS material when configured.
func FromConfig(cfg *config.Config, priv ed25519.PrivateKey, opts ...MeshOption) (*Mesh, error) {
	peers := make([]PartyInfo, 0, len(cfg.Parties))
	for _, p := range cfg.Peers() {
		pinned, err := p.PinnedKey()
		if err != nil {
			return nil, err
		}
		peers = append(peers, PartyInfo{ID: p.ID, Addr: p.Addr(), Pinned: pinned})
	}
	if cfg.BufferSize > 0 {
		opts = append([]MeshOption{WithBufferSize(cfg.BufferSize)}, opts...)
	}
	if cfg.TLS != nil {
		tlsConf, err := cfg.TLS.Build()
		if err != nil {
			return nil, err
		}
		opts = append([]MeshOption{WithTLS(tlsConf)}, opts...)
	}
	return New(cfg.PartyID, peers, priv, opts...), nil
}

// GenerateSecretKey makes a fresh ed25519 identity for a party.
func GenerateSecretKey() ed25519.PrivateKey {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		panic(err)
	}
	return priv
}

// PublicKey returns this party's identity key.
func (m *Mesh) PublicKey() ed25519.PublicKey { return m.pub }

// Listen binds and serves inbound party connections.
func (m *Mesh) Listen(bind BindFunc) error {
	ln, err := bind()
	if err != nil {
		return err
	}
	m.Serve(ln)
	return nil
}

// Serve accepts party connections from an existing listener. It returns
// immediately; accepting runs until Close.
func (m *Mesh) Serve(ln net.Listener) {
	m.mu.Lock()
	m.ln = ln
	m.mu.Unlock()

	m.log.Info().Str("addr", ln.Addr().String()).Uint32("party", m.self).Msg("listening for parties")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			m.wg.Add(1)
			go m.setupInbound(conn)
		}
	}()
}

// Addr reports the listener address, or nil before Serve.
func (m *Mesh) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ln == nil {
		return nil
	}
	return m.ln.Addr()
}

func (m *Mesh) socket(conn net.Conn, server bool) netio.Socket {
	if m.tlsConf != nil {
		return netio.NewTLSSocket(conn, m.tlsConf, server)
	}
	return netio.NewTCPSocket(conn)
}

func (m *Mesh) newConn(raw net.Conn, server bool) *netio.Conn {
	opts := []netio.Option{netio.WithLogger(m.log)}
	if m.bufSize > 0 {
		opts = append(opts, netio.WithBufferSize(m.bufSize))
	}
	return netio.NewConn(m.socket(raw, server), server, opts...)
}

func (m *Mesh) setupInbound(raw net.Conn) {
	defer m.wg.Done()

	c := m.newConn(raw, true)
	if err := c.Handshake(m.hsTimeout); err != nil {
		m.log.Warn().Err(err).Str("peer", raw.RemoteAddr().String()).Msg("inbound handshake failed")
		_ = c.Close()
		return
	}
	c.Establishing()

	// the dialer speaks first
	hello, err := m.recvHello(c)
	if err != nil {
		m.log.Warn().Err(err).Str("peer", raw.RemoteAddr().String()).Msg("inbound hello rejected")
		_ = c.Close()
		return
	}
	if hello.PartyID <= m.self {
		m.log.Warn().Uint32("party", hello.PartyID).Msg("party dialed the wrong direction")
		_ = c.Close()
		return
	}
	if _, ok := m.peers[hello.PartyID]; !ok {
		m.log.Warn().Uint32("party", hello.PartyID).Msg("party is not configured")
		_ = c.Close()
		return
	}
	if err := m.sendHello(c, true); err != nil {
		_ = c.Close()
		return
	}
	c.Establish()
	m.register(hello.PartyID, hello.PubKey, c)
}

// Dial connects to a lower-id peer, retrying with jittered backoff.
func (m *Mesh) Dial(party uint32) (*netio.Conn, error) {
	peer, ok := m.peers[party]
	if !ok {
		return nil, fmt.Errorf("party %d is not configured", party)
	}

	b := &backoff.Backoff{
		Factor: 1.25,
		Jitter: true,
		Min:    500 * time.Millisecond,
		Max:    2 * time.Second,
	}

	var lastErr error
	for i := 0; i < dialAttempts; i++ {
		if i > 0 {
			d := b.Duration()
			m.log.Debug().Uint32("party", party).Dur("sleep", d).Msg("retrying dial")
			select {
			case <-time.After(d):
			case <-m.closed:
				return nil, netio.ErrClosed
			}
		}

		c, err := m.dialOnce(peer)
		if err != nil {
			lastErr = err
			continue
		}
		return m.register(party, nil, c), nil
	}
	return nil, fmt.Errorf("dial party %d: %w", party, lastErr)
}

func (m *Mesh) dialOnce(peer PartyInfo) (*netio.Conn, error) {
	raw, err := dialTCP(peer.Addr, m.hsTimeout)
	if err != nil {
		return nil, err
	}

	c := m.newConn(raw, false)
	if err := c.Handshake(m.hsTimeout); err != nil {
		_ = c.Close()
		return nil, err
	}
	c.Establishing()

	if err := m.sendHello(c, false); err != nil {
		_ = c.Close()
		return nil, err
	}
	hello, err := m.recvHello(c)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	if hello.PartyID != peer.ID {
		_ = c.Close()
		return nil, fmt.Errorf("dialed party %d but %d answered", peer.ID, hello.PartyID)
	}
	if peer.Pinned != nil && !bytes.Equal(peer.Pinned, hello.PubKey) {
		_ = c.Close()
		return nil, fmt.Errorf("party %d presented key %s, want pinned %s",
			peer.ID, Fingerprint(hello.PubKey), Fingerprint(peer.Pinned))
	}
	c.Establish()
	return c, nil
}

func (m *Mesh) sendHello(c *netio.Conn, server bool) error {
	pkt := HelloPacket{PartyID: m.self, Server: server, PubKey: m.pub}.Sign(m.priv)
	_, err := c.SendMsg(helloID, pkt.AppendTo(nil), m.hsTimeout)
	return err
}

func (m *Mesh) recvHello(c *netio.Conn) (HelloPacket, error) {
	buf := make([]byte, HelloSize)
	if _, err := c.RecvMsg(helloID, buf, m.hsTimeout); err != nil {
		return HelloPacket{}, err
	}
	c.Release(helloID)

	pkt, err := UnmarshalHelloPacket(buf)
	if err != nil {
		return pkt, err
	}
	if err := pkt.Validate(); err != nil {
		return pkt, err
	}
	if peer, ok := m.peers[pkt.PartyID]; ok && peer.Pinned != nil && !bytes.Equal(peer.Pinned, pkt.PubKey) {
		return pkt, fmt.Errorf("party %d presented key %s, want pinned %s",
			pkt.PartyID, Fingerprint(pkt.PubKey), Fingerprint(peer.Pinned))
	}
	return pkt, nil
}

// register records c as the channel to party and returns the channel in
// effect. When a live channel already exists the newcomer is closed and the
// existing one kept, so racing setups converge on one connection per pair
// without pulling it out from under a caller mid-use.
func (m *Mesh) register(party uint32, pub ed25519.PublicKey, c *netio.Conn) *netio.Conn {
	m.mu.Lock()
	if old, ok := m.conns[party]; ok && !old.State().Terminal() {
		m.mu.Unlock()
		_ = c.Close()
		return old
	}
	m.conns[party] = c
	close(m.regWake)
	m.regWake = make(chan struct{})
	m.mu.Unlock()

	ev := m.log.Info().Uint32("party", party).Str("addr", c.RemoteAddr().String())
	if pub != nil {
		ev = ev.Str("fingerprint", Fingerprint(pub))
	}
	ev.Msg("party connected")
	return c
}

// Conn returns the established connection to party, if any.
func (m *Mesh) Conn(party uint32) (*netio.Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[party]
	return c, ok
}

// waitConn resolves the channel to party: reuse, dial (lower ids), or wait
// for the peer's inbound connection (higher ids). At most one dial per
// party is in flight; concurrent first contacts park on regWake and pick up
// the winner's connection instead of racing their own.
func (m *Mesh) waitConn(party uint32, timeout time.Duration) (*netio.Conn, error) {
	var timerC <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timerC = t.C
	}

	for {
		m.mu.Lock()
		if c, ok := m.conns[party]; ok {
			m.mu.Unlock()
			return c, nil
		}
		dial := false
		if party < m.self {
			if _, busy := m.dialing[party]; !busy {
				m.dialing[party] = struct{}{}
				dial = true
			}
		}
		wake := m.regWake
		m.mu.Unlock()

		if dial {
			c, err := m.Dial(party)
			m.mu.Lock()
			delete(m.dialing, party)
			if err != nil {
				// let a parked caller take over the next attempt
				close(m.regWake)
				m.regWake = make(chan struct{})
			}
			m.mu.Unlock()
			return c, err
		}

		select {
		case <-wake:
		case <-m.closed:
			return nil, netio.ErrClosed
		case <-timerC:
			return nil, fmt.Errorf("no connection to party %d: %w", party, netio.ErrTimeout)
		}
	}
}

// SendTo delivers payload to party under the (sender, round, tag) message
// identifier. The timeout bounds each phase of the call.
func (m *Mesh) SendTo(party uint32, round uint32, tag uint64, payload []byte, timeout time.Duration) error {
	c, err := m.waitConn(party, timeout)
	if err != nil {
		return err
	}
	_, err = c.SendMsg(netio.NewMsgID(m.self, round, tag), payload, timeout)
	return err
}

// RecvFrom receives one complete message from party for (round, tag),
// filling p exactly. The message's reassembly buffer is reclaimed on
// success, so the identifier may be reused afterwards.
func (m *Mesh) RecvFrom(party uint32, round uint32, tag uint64, p []byte, timeout time.Duration) (int, error) {
	c, err := m.waitConn(party, timeout)
	if err != nil {
		return 0, err
	}
	id := netio.NewMsgID(party, round, tag)
	n, err := c.RecvMsg(id, p, timeout)
	if err != nil {
		return n, err
	}
	c.Release(id)
	return n, nil
}

// Broadcast sends payload to every configured peer under this party's
// (round, tag) identifier.
func (m *Mesh) Broadcast(round uint32, tag uint64, payload []byte, timeout time.Duration) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for id := range m.peers {
		wg.Add(1)
		go func(id uint32) {
			defer wg.Done()
			if err := m.SendTo(id, round, tag, payload, timeout); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("party %d: %w", id, err)
				}
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	return firstErr
}

// Close tears down the listener and every party connection, then waits for
// the accept and setup goroutines to drain. Idempotent.
func (m *Mesh) Close() {
	m.closeOnce.Do(func() {
		close(m.closed)

		m.mu.Lock()
		ln := m.ln
		conns := make([]*netio.Conn, 0, len(m.conns))
		for id, c := range m.conns {
			conns = append(conns, c)
			delete(m.conns, id)
		}
		m.mu.Unlock()

		if ln != nil {
			_ = ln.Close()
		}
		for _, c := range conns {
			_ = c.Close()
		}
		m.wg.Wait()
	})
}
