//go:build !unix

package transport

import (
	"errors"
	"net"
	"net/netip"
	"strconv"
	"syscall"
)

func connectBound(syscall.RawConn, string, netip.AddrPort) error {
	return errors.ErrUnsupported
}

func listenBacklog(port int) (net.Listener, error) {
	return net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
}
