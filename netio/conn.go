package netio

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/valyala/bytebufferpool"
)

const drainChunkSize = 32 * 1024

// stallPoll bounds how long the drain loop waits on a full destination
// buffer before giving other goroutines a chance to pull.
const stallPoll = 5 * time.Millisecond

// Conn is one established channel to a peer. It owns the socket, the
// lifecycle state machine, a default reassembly buffer for untagged
// traffic, and one buffer per in-flight message identifier. Send and recv
// are blocking calls bounded by a per-call timeout; a negative timeout
// blocks forever and zero polls.
//
// Any number of goroutines may send and receive concurrently. Bytes of one
// Send never interleave with another's on the wire, and exactly one
// goroutine at a time pulls from the socket and routes frames into buffers.
type Conn struct {
	sock   Socket
	server bool
	demux  Demuxer

	state int32 // ConnState, atomic

	bufSize int
	rbuf    *Buffer // untagged traffic

	mu   sync.Mutex // guards bufs and shut, nothing else
	bufs map[MsgID]*Buffer
	shut bool

	sendSem  chan struct{} // send lock; a channel so acquisition honors timeouts and close
	inflight int32         // senders waiting on or holding the send lock

	drainSem chan struct{} // holds one token; owning it grants the right to pull from the socket

	// Drain state, touched only while holding the drain token.
	hdr    []byte
	hdrN   int
	pendID MsgID
	pendN  int

	scratch []byte // drain staging, token-guarded

	closeOnce sync.Once
	closed    chan struct{}

	log zerolog.Logger
}

// Option configures a Conn at construction.
type Option func(*Conn)

// WithDemuxer replaces the default frame codec with the protocol layer's
// own framing contract.
func WithDemuxer(d Demuxer) Option { return func(c *Conn) { c.demux = d } }

// WithRawStream disables demultiplexing entirely: all received bytes land
// in the default buffer and tagged recv is unavailable.
func WithRawStream() Option { return func(c *Conn) { c.demux = nil } }

// WithBufferSize sets the capacity of each reassembly buffer.
func WithBufferSize(n int) Option { return func(c *Conn) { c.bufSize = n } }

// WithLogger attaches a logger for lifecycle transitions. Logging is
// disabled by default.
func WithLogger(log zerolog.Logger) Option { return func(c *Conn) { c.log = log } }

// NewConn wraps an already-connected socket. Server records which side of
// the channel this end is; it does not change behavior here.
func NewConn(sock Socket, server bool, opts ...Option) *Conn {
	c := &Conn{
		sock:     sock,
		server:   server,
		demux:    NewFrameDemuxer(),
		state:    int32(StateInvalid),
		bufSize:  DefaultBufferSize,
		sendSem:  make(chan struct{}, 1),
		drainSem: make(chan struct{}, 1),
		closed:   make(chan struct{}),
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.rbuf = NewBuffer(c.bufSize)
	c.bufs = make(map[MsgID]*Buffer)
	c.scratch = make([]byte, drainChunkSize)
	if c.demux != nil {
		c.hdr = make([]byte, c.demux.HeaderSize())
	}
	c.drainSem <- struct{}{}
	return c
}

// State returns the current lifecycle state.
func (c *Conn) State() ConnState { return ConnState(atomic.LoadInt32(&c.state)) }

// IsServer reports whether this end accepted rather than dialed.
func (c *Conn) IsServer() bool { return c.server }

// RemoteAddr reports the peer's address.
func (c *Conn) RemoteAddr() net.Addr { return c.sock.RemoteAddr() }

// InflightSenders reports how many goroutines currently hold or wait for
// the send path. Useful as a backpressure signal.
func (c *Conn) InflightSenders() int { return int(atomic.LoadInt32(&c.inflight)) }

// Handshake drives the transport negotiation. Plaintext transports succeed
// immediately; TLS runs the full certificate exchange. On failure the
// connection is Failed and unusable.
func (c *Conn) Handshake(timeout time.Duration) error {
	if !c.cas(StateInvalid, StateHandshaking) {
		st := c.State()
		if st == StateHandshaked || st == StateConnecting || st == StateConnected {
			return nil
		}
		return fmt.Errorf("handshake in state %s: %w", st, ErrHandshake)
	}
	if err := c.sock.Handshake(deadlineFor(timeout)); err != nil {
		c.fail()
		if !isKind(err, ErrHandshake) {
			err = fmt.Errorf("%s: %w", err, ErrHandshake)
		}
		c.log.Warn().Str("peer", addrString(c.sock)).Err(err).Msg("handshake failed")
		return err
	}
	c.store(StateHandshaked)
	c.log.Debug().Str("peer", addrString(c.sock)).Bool("server", c.server).Msg("handshaked")
	return nil
}

// Establishing marks the start of logical session setup (whatever hello or
// identity exchange the layer above performs after the transport
// handshake). It reports whether the transition applied.
func (c *Conn) Establishing() bool { return c.cas(StateHandshaked, StateConnecting) }

// Establish marks the connection fully ready for protocol traffic.
func (c *Conn) Establish() bool {
	return c.cas(StateConnecting, StateConnected) || c.cas(StateHandshaked, StateConnected)
}

// Send writes all of p as one contiguous run on the wire. Concurrent
// senders are serialized; the timeout covers waiting for the send lock as
// well as the write itself. Returns the number of bytes written and the
// failure kind (ErrTimeout, ErrClosed, or a wrapped I/O error).
func (c *Conn) Send(p []byte, timeout time.Duration) (int, error) {
	if err := c.usable(); err != nil {
		return 0, err
	}

	atomic.AddInt32(&c.inflight, 1)
	defer atomic.AddInt32(&c.inflight, -1)

	deadline := deadlineFor(timeout)
	if err := c.acquireSend(timeout); err != nil {
		return 0, err
	}
	defer func() { <-c.sendSem }()

	n, err := WriteFull(c.sock, p, deadline)
	if err != nil && !isKind(err, ErrTimeout) && !isKind(err, ErrClosed) {
		c.fail()
	}
	return n, err
}

func (c *Conn) acquireSend(timeout time.Duration) error {
	if timeout < 0 {
		select {
		case c.sendSem <- struct{}{}:
			return nil
		case <-c.closed:
			return ErrClosed
		}
	}
	t := timers.acquire(timeout)
	defer timers.release(t)
	select {
	case c.sendSem <- struct{}{}:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-t.C:
		return ErrTimeout
	}
}

// SendMsg frames p under id using the default encoding and sends the frame
// atomically. It returns the payload bytes delivered.
func (c *Conn) SendMsg(id MsgID, p []byte, timeout time.Duration) (int, error) {
	if len(p) > MaxFramePayload {
		return 0, fmt.Errorf("payload of %d bytes exceeds the %d byte frame limit: %w", len(p), MaxFramePayload, ErrFraming)
	}
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	bb.B = Frame{ID: id, Data: p}.AppendTo(bb.B[:0])

	n, err := c.Send(bb.B, timeout)
	if err != nil {
		n -= FrameHeaderSize
		if n < 0 {
			n = 0
		}
		return n, err
	}
	return len(p), nil
}

// Recv fills p with untagged bytes from the default buffer, pulling from
// the socket as needed. len(p) may exceed the buffer capacity; delivery
// then streams through the buffer in pieces. On timeout the bytes already
// delivered are counted, so a retry resumes where the call left off.
func (c *Conn) Recv(p []byte, timeout time.Duration) (int, error) {
	return c.recv(ZeroMsgID, p, timeout)
}

// RecvMsg fills p with bytes belonging to id, creating its reassembly
// buffer on first reference. Frames for other identifiers arriving in
// between are routed to their own buffers, so concurrent receivers never
// steal each other's bytes.
func (c *Conn) RecvMsg(id MsgID, p []byte, timeout time.Duration) (int, error) {
	if c.demux == nil && !id.IsZero() {
		return 0, fmt.Errorf("tagged recv on a raw stream: %w", ErrFraming)
	}
	return c.recv(id, p, timeout)
}

func (c *Conn) recv(id MsgID, p []byte, timeout time.Duration) (int, error) {
	if err := c.usable(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	deadline := deadlineFor(timeout)
	buf := c.bufferFor(id)

	var timerC <-chan time.Time
	if !deadline.IsZero() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			remaining = 0
		}
		t := timers.acquire(remaining)
		defer timers.release(t)
		timerC = t.C
	}

	// Consume incrementally rather than demanding all of p at once: p may
	// be larger than the buffer capacity, and taking what is there frees
	// room for the drain loop to route the rest.
	off := 0
	for {
		n, wake, err := buf.readAny(p[off:])
		off += n
		if err != nil {
			return off, err
		}
		if off == len(p) {
			return off, nil
		}
		if n > 0 {
			continue
		}

		if werr := c.recvWait(wake, timerC, deadline); werr != nil {
			// bytes routed before the failure still belong to the caller,
			// and a buffer closed meanwhile outranks the wait error
			k, _, rerr := buf.readAny(p[off:])
			off += k
			if off == len(p) {
				return off, nil
			}
			if rerr != nil {
				return off, rerr
			}
			return off, werr
		}
	}
}

// recvWait blocks until new bytes may be available or the wait ends the
// call. It either becomes the drainer, pulling from the socket and routing
// frames, or parks until bytes land in the caller's buffer.
func (c *Conn) recvWait(wake <-chan struct{}, timerC <-chan time.Time, deadline time.Time) error {
	select {
	case <-c.drainSem:
		derr := c.drainStep(deadline)
		c.drainSem <- struct{}{}
		switch {
		case derr == nil, isKind(derr, errStalled):
			return nil
		case isKind(derr, ErrTimeout):
			return ErrTimeout
		case isKind(derr, ErrClosed), isKind(derr, ErrFraming):
			return derr
		default:
			c.fail()
			return derr
		}
	case <-wake:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-timerC:
		return ErrTimeout
	}
}

// drainStep pulls one bounded batch of bytes off the socket and routes it.
// The caller holds the drain token. A nil return means progress; errors
// keep partial header state intact so the next holder resumes cleanly.
func (c *Conn) drainStep(deadline time.Time) error {
	if c.demux == nil {
		return c.drainRaw(deadline)
	}

	// finish the current header before routing any payload
	for c.pendN == 0 {
		hs := c.demux.HeaderSize()
		n, err := ReadFull(c.sock, c.hdr[c.hdrN:hs], deadline)
		c.hdrN += n
		if err != nil {
			return err
		}
		c.hdrN = 0
		id, payload, err := c.demux.Parse(c.hdr[:hs])
		if err != nil {
			return err
		}
		if payload == 0 {
			continue
		}
		c.pendID, c.pendN = id, payload
	}

	dst := c.bufferFor(c.pendID)
	free := dst.Free()
	if free == 0 {
		dst.waitRoom(stallPoll)
		return errStalled
	}

	n := c.pendN
	if n > free {
		n = free
	}
	if n > len(c.scratch) {
		n = len(c.scratch)
	}
	k, err := readSome(c.sock, c.scratch[:n], deadline)
	if k > 0 {
		_, _ = dst.Write(c.scratch[:k])
		c.pendN -= k
	}
	return err
}

func (c *Conn) drainRaw(deadline time.Time) error {
	free := c.rbuf.Free()
	if free == 0 {
		c.rbuf.waitRoom(stallPoll)
		return errStalled
	}
	n := free
	if n > len(c.scratch) {
		n = len(c.scratch)
	}
	k, err := readSome(c.sock, c.scratch[:n], deadline)
	if k > 0 {
		_, _ = c.rbuf.Write(c.scratch[:k])
	}
	return err
}

// bufferFor returns the reassembly buffer for id, lazily creating tagged
// entries. The map lock covers only map structure; draining a buffer never
// holds it.
func (c *Conn) bufferFor(id MsgID) *Buffer {
	if id.IsZero() {
		return c.rbuf
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.bufs[id]
	if !ok {
		b = NewBuffer(c.bufSize)
		if c.shut {
			b.Close()
		}
		c.bufs[id] = b
	}
	return b
}

// Release drops the reassembly buffer for id. Call it once a logical
// message has been fully consumed; the identifier may then be reused for a
// new message. Releasing an id with waiters makes them fail with ErrClosed.
func (c *Conn) Release(id MsgID) {
	if id.IsZero() {
		return
	}
	c.mu.Lock()
	b, ok := c.bufs[id]
	if ok {
		delete(c.bufs, id)
	}
	c.mu.Unlock()
	if ok {
		b.Close()
	}
}

// Close tears the channel down: the socket is released, every buffer is
// closed, and all blocked senders and receivers observe ErrClosed instead
// of hanging. It is idempotent, safe to call concurrently with in-flight
// operations, and never fails.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		failed := c.State() == StateFailed
		if !failed {
			c.store(StateClosing)
		}
		close(c.closed)
		_ = c.sock.Close()

		c.mu.Lock()
		c.shut = true
		bufs := make([]*Buffer, 0, len(c.bufs)+1)
		bufs = append(bufs, c.rbuf)
		for id, b := range c.bufs {
			bufs = append(bufs, b)
			delete(c.bufs, id)
		}
		c.mu.Unlock()

		for _, b := range bufs {
			b.Close()
		}
		if !failed {
			c.store(StateClosed)
		}
		c.log.Debug().Str("peer", addrString(c.sock)).Msg("closed")
	})
	return nil
}

// usable gates send/recv on the lifecycle state.
func (c *Conn) usable() error {
	switch st := c.State(); st {
	case StateHandshaked, StateConnecting, StateConnected:
		return nil
	case StateClosing, StateClosed, StateFailed:
		return ErrClosed
	default:
		return fmt.Errorf("netio: connection not established (state %s)", st)
	}
}

func (c *Conn) cas(from, to ConnState) bool {
	return atomic.CompareAndSwapInt32(&c.state, int32(from), int32(to))
}

func (c *Conn) store(s ConnState) { atomic.StoreInt32(&c.state, int32(s)) }

// fail moves any live state to Failed; terminal states stay put.
func (c *Conn) fail() {
	for {
		st := c.State()
		if st == StateClosing || st.Terminal() {
			return
		}
		if c.cas(st, StateFailed) {
			return
		}
	}
}

func deadlineFor(timeout time.Duration) time.Time {
	if timeout < 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

func isKind(err, kind error) bool { return errors.Is(err, kind) }

func addrString(s Socket) string {
	if addr := s.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
