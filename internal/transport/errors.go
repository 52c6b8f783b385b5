package transport

import (
	"errors"
	"fmt"
)

// Sentinel errors for channel handling. Callers distinguish them with
// errors.Is.
var (
	// ErrShutdown reports that the peer closed the channel.
	ErrShutdown = errors.New("transport: socket shutdown")
	// ErrInvalidPacket reports a malformed frame. A TCP channel that
	// returned it is unusable afterwards.
	ErrInvalidPacket = errors.New("transport: invalid packet")
	// ErrMessageTooLarge reports a message whose payload does not fit the
	// 16-bit length prefix.
	ErrMessageTooLarge = errors.New("transport: message too large")
	// ErrNotMulticast reports a subscribe or unsubscribe request for a
	// unicast address.
	ErrNotMulticast = errors.New("transport: address is not multicast")
	// ErrNotOpen reports an operation that needs a bound or connected
	// socket.
	ErrNotOpen = errors.New("transport: socket not bound or connected")
	// ErrAlreadyOpen reports a second bind on the same socket.
	ErrAlreadyOpen = errors.New("transport: socket already bound")
	// ErrAddressFamily reports an IPv6 peer given to an IPv4 socket.
	ErrAddressFamily = errors.New("transport: address family mismatch")
)

// IOError wraps an operating system error together with the operation
// that produced it.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
