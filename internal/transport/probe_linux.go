package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// nextDatagramSize blocks until a datagram is queued and returns its exact
// size without consuming it. The read deadline of the owning connection
// applies.
func nextDatagramSize(rc syscall.RawConn) (int, error) {
	var (
		n    int
		perr error
	)
	err := rc.Read(func(fd uintptr) bool {
		n, _, perr = unix.Recvfrom(int(fd), nil, unix.MSG_PEEK|unix.MSG_TRUNC)
		return perr != unix.EAGAIN && perr != unix.EWOULDBLOCK
	})
	if err != nil {
		return 0, err
	}
	return n, perr
}
