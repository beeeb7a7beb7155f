package netio

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

// ReadFull reads from s until p is full, end-of-stream, or an unrecoverable
// error. Partial reads are retried; interrupted and would-block conditions
// from the OS are absorbed. The returned count is always the number of
// bytes actually read, so a caller hitting ErrTimeout can resume where it
// left off. A zero deadline means no deadline.
//
// Peer closure before len(p) bytes is reported as an error wrapping
// ErrClosed, distinct from I/O failures.
func ReadFull(s Socket, p []byte, deadline time.Time) (int, error) {
	if err := s.SetReadDeadline(deadline); err != nil {
		return 0, fmt.Errorf("set read deadline: %w", err)
	}
	n := 0
	for n < len(p) {
		k, err := s.Read(p[n:])
		n += k
		if err == nil {
			continue
		}
		if retryable(err) {
			continue
		}
		return n, classifyReadError(err, n, len(p))
	}
	return n, nil
}

// WriteFull writes all of p to s, retrying partial writes. Semantics mirror
// ReadFull.
func WriteFull(s Socket, p []byte, deadline time.Time) (int, error) {
	if err := s.SetWriteDeadline(deadline); err != nil {
		return 0, fmt.Errorf("set write deadline: %w", err)
	}
	n := 0
	for n < len(p) {
		k, err := s.Write(p[n:])
		n += k
		if err == nil {
			continue
		}
		if retryable(err) {
			continue
		}
		return n, classifyWriteError(err)
	}
	return n, nil
}

// readSome performs a single bounded read: whatever the socket has, up to
// len(p). Used by the drain loop, which routes bytes as they arrive rather
// than insisting on a count.
func readSome(s Socket, p []byte, deadline time.Time) (int, error) {
	if err := s.SetReadDeadline(deadline); err != nil {
		return 0, fmt.Errorf("set read deadline: %w", err)
	}
	for {
		n, err := s.Read(p)
		if err == nil || n > 0 {
			return n, nil
		}
		if retryable(err) {
			continue
		}
		return 0, classifyReadError(err, 0, len(p))
	}
}

// retryable reports transient conditions that must never surface to the
// caller as failures.
func retryable(err error) bool {
	return errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN)
}

func classifyReadError(err error, got, want int) error {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.ErrClosedPipe), errors.Is(err, net.ErrClosed):
		return fmt.Errorf("peer closed after %d of %d bytes: %w", got, want, ErrClosed)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrTimeout
	}
	return fmt.Errorf("read: %w", err)
}

func classifyWriteError(err error) error {
	switch {
	case errors.Is(err, io.ErrClosedPipe), errors.Is(err, net.ErrClosed), errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNRESET):
		return fmt.Errorf("%s: %w", err, ErrClosed)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrTimeout
	}
	return fmt.Errorf("write: %w", err)
}
