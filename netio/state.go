package netio

// ConnState tracks where a connection sits in its lifecycle. Transitions are
// driven by the Conn itself; Closed and Failed are terminal.
type ConnState int32

const (
	StateInvalid ConnState = iota + 1
	StateHandshaking
	StateHandshaked
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateInvalid:
		return "invalid"
	case StateHandshaking:
		return "handshaking"
	case StateHandshaked:
		return "handshaked"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no further transitions are possible.
func (s ConnState) Terminal() bool { return s == StateClosed || s == StateFailed }
