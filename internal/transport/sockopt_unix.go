//go:build unix

package transport

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

func sockaddr(network string, addr netip.AddrPort) unix.Sockaddr {
	if network == "udp4" {
		return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: addr.Addr().Unmap().As4()}
	}
	return &unix.SockaddrInet6{Port: int(addr.Port()), Addr: addr.Addr().As16()}
}

// connectBound sets the default peer of an already bound datagram socket
// without rebinding it.
func connectBound(rc syscall.RawConn, network string, addr netip.AddrPort) error {
	var cerr error
	err := rc.Control(func(fd uintptr) {
		cerr = unix.Connect(int(fd), sockaddr(network, addr))
	})
	if err != nil {
		return err
	}
	return cerr
}

// listenBacklog creates a dual-stack TCP listener on port with address
// reuse enabled and a pending-connection backlog of one.
func listenBacklog(port int) (net.Listener, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet6{Port: port}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen: %w", err)
	}

	f := os.NewFile(uintptr(fd), "tcp-listener")
	defer f.Close()
	return net.FileListener(f)
}
