package netio

import (
	"sync"
	"time"
)

// DefaultBufferSize is the capacity of a reassembly buffer unless the owner
// asks for another size.
const DefaultBufferSize = 1 << 20

// Buffer is a fixed-capacity cyclic byte queue with separate read and write
// cursors. It accumulates received bytes for one logical message stream
// until a consumer takes them. Writes never overwrite unread bytes: running
// out of room is reported as ErrBufferFull, not silent loss.
//
// One producer (the connection's drain loop) and one consumer per buffer is
// the intended use, but all methods are safe for concurrent callers.
type Buffer struct {
	mu     sync.Mutex
	buf    []byte
	r, w   int
	full   bool
	closed bool
	wake   chan struct{} // closed and replaced whenever bytes arrive or the buffer closes
	room   chan struct{} // closed and replaced whenever bytes are consumed
}

// NewBuffer returns an empty buffer with the given fixed capacity.
// Non-positive capacities fall back to DefaultBufferSize.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &Buffer{
		buf:  make([]byte, capacity),
		wake: make(chan struct{}),
		room: make(chan struct{}),
	}
}

func (b *Buffer) Cap() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Len reports the number of unread bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lengthLocked()
}

// Free reports how many bytes can be written without overflow.
func (b *Buffer) Free() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf) - b.lengthLocked()
}

func (b *Buffer) lengthLocked() int {
	if b.full {
		return len(b.buf)
	}
	if b.w >= b.r {
		return b.w - b.r
	}
	return len(b.buf) - b.r + b.w
}

// Write appends p to the buffer. It returns the number of bytes accepted;
// if that is less than len(p) the error is ErrBufferFull. After Close it
// returns ErrClosed.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrClosed
	}

	free := len(b.buf) - b.lengthLocked()
	n := len(p)
	if n > free {
		n = free
	}
	if n > 0 {
		k := copy(b.buf[b.w:], p[:n])
		if k < n {
			copy(b.buf, p[k:n])
		}
		b.w = (b.w + n) % len(b.buf)
		if b.w == b.r {
			b.full = true
		}
		b.broadcastWakeLocked()
	}
	if n < len(p) {
		return n, ErrBufferFull
	}
	return n, nil
}

// Read consumes up to len(p) bytes. It never blocks: with nothing buffered
// it returns (0, nil), or (0, ErrClosed) once the buffer is closed.
func (b *Buffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	return b.readLocked(p), nil
}

func (b *Buffer) readLocked(p []byte) int {
	n := b.lengthLocked()
	if n > len(p) {
		n = len(p)
	}
	if n == 0 {
		return 0
	}
	k := copy(p[:n], b.buf[b.r:])
	if k < n {
		copy(p[k:n], b.buf)
	}
	b.advanceLocked(n)
	return n
}

// Peek copies up to len(p) unread bytes without consuming them.
func (b *Buffer) Peek(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	n := b.lengthLocked()
	if n > len(p) {
		n = len(p)
	}
	if n == 0 {
		return 0, nil
	}
	k := copy(p[:n], b.buf[b.r:])
	if k < n {
		copy(p[k:n], b.buf)
	}
	return n, nil
}

// Skip discards up to n unread bytes and reports how many were dropped.
func (b *Buffer) Skip(n int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if avail := b.lengthLocked(); n > avail {
		n = avail
	}
	if n > 0 {
		b.advanceLocked(n)
	}
	return n
}

func (b *Buffer) advanceLocked(n int) {
	b.r = (b.r + n) % len(b.buf)
	b.full = false
	b.broadcastRoomLocked()
}

// ReadFull blocks until it can fill p in one piece, then consumes exactly
// len(p) bytes. On expiry it returns ErrTimeout with nothing consumed, so a
// retry observes an unchanged stream. A negative timeout blocks forever;
// zero polls.
func (b *Buffer) ReadFull(p []byte, timeout time.Duration) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	var t *time.Timer
	if timeout >= 0 {
		t = timers.acquire(timeout)
		defer timers.release(t)
	}
	for {
		done, wake, err := b.tryReadFull(p)
		if err != nil {
			return 0, err
		}
		if done {
			return len(p), nil
		}
		if t != nil {
			select {
			case <-wake:
			case <-t.C:
				return 0, ErrTimeout
			}
		} else {
			<-wake
		}
	}
}

// readAny consumes up to len(p) buffered bytes. When nothing is buffered
// it returns the wake channel snapshotted under the same lock, so a
// subsequent wait cannot miss a write.
func (b *Buffer) readAny(p []byte) (int, <-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, nil, ErrClosed
	}
	n := b.readLocked(p)
	if n == 0 {
		return 0, b.wake, nil
	}
	return n, nil, nil
}

// tryReadFull consumes exactly len(p) bytes if that many are buffered.
// When it cannot, it returns the wake channel snapshotted under the same
// lock, so a subsequent wait cannot miss a write.
func (b *Buffer) tryReadFull(p []byte) (bool, <-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false, nil, ErrClosed
	}
	if b.lengthLocked() < len(p) {
		return false, b.wake, nil
	}
	b.readLocked(p)
	return true, nil, nil
}

// waitRoom blocks until some bytes are consumed, the buffer closes, or the
// timeout passes. Used by the drain loop for backpressure.
func (b *Buffer) waitRoom(timeout time.Duration) {
	b.mu.Lock()
	if b.closed || b.lengthLocked() < len(b.buf) {
		b.mu.Unlock()
		return
	}
	room := b.room
	b.mu.Unlock()

	t := timers.acquire(timeout)
	defer timers.release(t)
	select {
	case <-room:
	case <-t.C:
	}
}

// Close wakes every waiter and makes all further operations fail with
// ErrClosed. It is idempotent.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.broadcastWakeLocked()
	b.broadcastRoomLocked()
}

func (b *Buffer) broadcastWakeLocked() {
	close(b.wake)
	b.wake = make(chan struct{})
}

func (b *Buffer) broadcastRoomLocked() {
	close(b.room)
	b.room = make(chan struct{})
}
