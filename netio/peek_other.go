//go:build !unix

package netio

import "errors"

// Peek is unsupported off unix platforms; lookahead must go through a
// reassembly buffer there.
func (s *TCPSocket) Peek(p []byte) (int, error) {
	return 0, errors.New("netio: socket peek is not supported on this platform")
}
