//go:build unix

package netio

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// Peek copies up to len(p) bytes from the OS receive queue without
// consuming them, blocking until at least one byte is available. It lets a
// caller inspect framing before committing to a sized read. Only the
// plaintext transport can offer this; TLS lookahead happens at the
// reassembly buffer instead.
func (s *TCPSocket) Peek(p []byte) (int, error) {
	sc, ok := s.conn.(syscall.Conn)
	if !ok {
		return 0, errors.New("netio: peek needs a syscall-capable conn")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, err
	}

	var (
		n    int
		perr error
	)
	err = raw.Read(func(fd uintptr) bool {
		n, _, perr = unix.Recvfrom(int(fd), p, unix.MSG_PEEK|unix.MSG_DONTWAIT)
		if perr == unix.EAGAIN || perr == unix.EINTR {
			perr = nil
			return false // wait for readability and try again
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	if perr != nil {
		return 0, perr
	}
	if n == 0 && len(p) > 0 {
		return 0, ErrClosed
	}
	return n, nil
}
