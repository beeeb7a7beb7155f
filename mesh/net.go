package mesh

import (
	"net"
	"strconv"
	"time"
)

// BindFunc produces the listener a mesh serves party connections on.
type BindFunc func() (net.Listener, error)

func BindTCP(addr string) BindFunc {
	return func() (net.Listener, error) { return net.Listen("tcp", addr) }
}

func BindTCPAnyPort() BindFunc {
	return func() (net.Listener, error) { return net.Listen("tcp", ":0") }
}

// HostAddr joins a host and port into a dialable address.
func HostAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func dialTCP(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}
