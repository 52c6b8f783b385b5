package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/rcelyte/WiVRn/internal/packet"
)

const (
	// batchMessages is the number of datagrams fetched per batched receive.
	batchMessages = 20
	// batchMessageSize is the per-datagram slot size of a batched receive.
	// Longer datagrams are truncated.
	batchMessageSize = 2048
	maxDatagramSize  = 65535
)

// batchConn is implemented by both *ipv4.PacketConn and *ipv6.PacketConn.
type batchConn interface {
	ReadBatch(ms []ipv4.Message, flags int) (int, error)
	WriteBatch(ms []ipv4.Message, flags int) (int, error)
}

// UDP is an unreliable datagram channel. The OS socket is created by the
// first Bind or Connect; options set before that are stored and applied
// once the socket exists.
//
// Receive operations must not be called concurrently with each other.
type UDP struct {
	counters

	log     *slog.Logger
	network string

	conn  *net.UDPConn
	p4    *ipv4.PacketConn
	p6    *ipv6.PacketConn
	batch batchConn
	peer  netip.AddrPort

	recvBuf int
	sendBuf int
	tos     int

	msgs    []ipv4.Message
	pending []packet.Packet
}

// OpenUDP returns an unbound datagram channel for IPv4 or IPv6. An IPv6
// channel bound to the wildcard address also carries IPv4 traffic.
func OpenUDP(ipv6 bool, log *slog.Logger) *UDP {
	if log == nil {
		log = slog.Default()
	}
	network := "udp4"
	if ipv6 {
		network = "udp6"
	}
	return &UDP{
		log:     log.With("component", "udp", "network", network),
		network: network,
		tos:     -1,
	}
}

// Bind binds the socket to port on the wildcard address. Port 0 picks an
// ephemeral port.
func (u *UDP) Bind(port int) error {
	if u.conn != nil {
		return ErrAlreadyOpen
	}
	conn, err := net.ListenUDP(u.network, &net.UDPAddr{Port: port})
	if err != nil {
		return &IOError{Op: "bind", Err: err}
	}
	if err := u.attach(conn); err != nil {
		conn.Close()
		return err
	}
	u.log.Debug("udp socket bound", "local", conn.LocalAddr().String())
	return nil
}

// Connect sets the default peer so Send and ReceiveBatch need no address.
// An already bound socket keeps its local port.
func (u *UDP) Connect(addr netip.AddrPort) error {
	if u.network == "udp6" && addr.Addr().Is4() {
		addr = netip.AddrPortFrom(netip.AddrFrom16(addr.Addr().As16()), addr.Port())
	}
	if u.network == "udp4" && !addr.Addr().Unmap().Is4() {
		return &IOError{Op: "connect", Err: ErrAddressFamily}
	}
	if u.conn == nil {
		conn, err := net.DialUDP(u.network, nil, net.UDPAddrFromAddrPort(addr))
		if err != nil {
			return &IOError{Op: "connect", Err: err}
		}
		if err := u.attach(conn); err != nil {
			conn.Close()
			return err
		}
	} else {
		rc, err := u.conn.SyscallConn()
		if err != nil {
			return &IOError{Op: "connect", Err: err}
		}
		if err := connectBound(rc, u.network, addr); err != nil {
			return &IOError{Op: "connect", Err: err}
		}
	}
	u.peer = addr
	u.log.Debug("udp socket connected", "peer", addr.String())
	return nil
}

func (u *UDP) attach(conn *net.UDPConn) error {
	u.conn = conn
	if u.network == "udp4" {
		u.p4 = ipv4.NewPacketConn(conn)
		u.batch = u.p4
	} else {
		u.p6 = ipv6.NewPacketConn(conn)
		u.batch = u.p6
	}
	u.msgs = make([]ipv4.Message, batchMessages)
	return u.applyOptions()
}

func (u *UDP) applyOptions() error {
	if u.recvBuf > 0 {
		if err := u.conn.SetReadBuffer(u.recvBuf); err != nil {
			return &IOError{Op: "set receive buffer", Err: err}
		}
	}
	if u.sendBuf > 0 {
		if err := u.conn.SetWriteBuffer(u.sendBuf); err != nil {
			return &IOError{Op: "set send buffer", Err: err}
		}
	}
	if u.tos >= 0 {
		var err error
		if u.p4 != nil {
			err = u.p4.SetTOS(u.tos)
		} else {
			err = u.p6.SetTrafficClass(u.tos)
		}
		if err != nil {
			return &IOError{Op: "set type of service", Err: err}
		}
	}
	return nil
}

// SetReceiveBufferSize sets the kernel receive buffer size in bytes.
func (u *UDP) SetReceiveBufferSize(n int) error {
	u.recvBuf = n
	if u.conn == nil {
		return nil
	}
	return u.applyOptions()
}

// SetSendBufferSize sets the kernel send buffer size in bytes.
func (u *UDP) SetSendBufferSize(n int) error {
	u.sendBuf = n
	if u.conn == nil {
		return nil
	}
	return u.applyOptions()
}

// SetTypeOfService sets the IP type-of-service byte, or the traffic class
// on IPv6 sockets.
func (u *UDP) SetTypeOfService(tos int) error {
	u.tos = tos
	if u.conn == nil {
		return nil
	}
	return u.applyOptions()
}

// SetReadDeadline bounds blocking receives. A receive that hits the
// deadline returns the empty packet and a nil error.
func (u *UDP) SetReadDeadline(t time.Time) error {
	if u.conn == nil {
		return ErrNotOpen
	}
	return u.conn.SetReadDeadline(t)
}

// LocalAddr returns the bound local address.
func (u *UDP) LocalAddr() netip.AddrPort {
	if u.conn == nil {
		return netip.AddrPort{}
	}
	return u.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Peer returns the default peer set by Connect.
func (u *UDP) Peer() netip.AddrPort {
	return u.peer
}

// Subscribe joins the multicast group on the default interface.
func (u *UDP) Subscribe(group netip.Addr) error {
	return u.membership("subscribe", group, true)
}

// Unsubscribe leaves the multicast group.
func (u *UDP) Unsubscribe(group netip.Addr) error {
	return u.membership("unsubscribe", group, false)
}

func (u *UDP) membership(op string, group netip.Addr, join bool) error {
	if !group.IsMulticast() {
		return fmt.Errorf("%s %s: %w", op, group, ErrNotMulticast)
	}
	if u.conn == nil {
		return ErrNotOpen
	}
	addr := &net.UDPAddr{IP: group.AsSlice()}
	var err error
	switch {
	case u.p4 != nil && join:
		err = u.p4.JoinGroup(nil, addr)
	case u.p4 != nil:
		err = u.p4.LeaveGroup(nil, addr)
	case join:
		err = u.p6.JoinGroup(nil, addr)
	default:
		err = u.p6.LeaveGroup(nil, addr)
	}
	if err != nil {
		return &IOError{Op: op, Err: err}
	}
	return nil
}

// ReceiveFrom reads one datagram into a buffer sized exactly to it and
// reports the sender.
func (u *UDP) ReceiveFrom() (packet.Packet, netip.AddrPort, error) {
	if u.conn == nil {
		return packet.Packet{}, netip.AddrPort{}, ErrNotOpen
	}
	rc, err := u.conn.SyscallConn()
	if err != nil {
		return packet.Packet{}, netip.AddrPort{}, receiveError("recvfrom", err)
	}
	size, err := nextDatagramSize(rc)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return packet.Packet{}, netip.AddrPort{}, nil
		}
		return packet.Packet{}, netip.AddrPort{}, receiveError("recvfrom", err)
	}

	buf := make([]byte, size)
	n, from, err := u.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return packet.Packet{}, netip.AddrPort{}, nil
		}
		return packet.Packet{}, netip.AddrPort{}, receiveError("recvfrom", err)
	}
	u.received.Add(int64(n))
	return packet.New(buf, 0, n), from, nil
}

// receiveError maps a receive on a closed socket to ErrShutdown, like the
// TCP channel does.
func receiveError(op string, err error) error {
	if errors.Is(err, net.ErrClosed) {
		return ErrShutdown
	}
	return &IOError{Op: op, Err: err}
}

// ReceivePending returns the next datagram left over from an earlier
// batched receive, or the empty packet when none remain.
func (u *UDP) ReceivePending() packet.Packet {
	if len(u.pending) == 0 {
		return packet.Packet{}
	}
	p := u.pending[0]
	u.pending[0] = packet.Packet{}
	u.pending = u.pending[1:]
	return p
}

// ReceiveBatch returns a pending datagram if one is queued. Otherwise it
// fetches up to 20 datagrams in one system call into a single shared
// buffer, returns the first and queues the rest.
func (u *UDP) ReceiveBatch() (packet.Packet, error) {
	if p := u.ReceivePending(); !p.Empty() {
		return p, nil
	}
	if u.conn == nil {
		return packet.Packet{}, ErrNotOpen
	}

	buf := make([]byte, batchMessages*batchMessageSize)
	for i := range u.msgs {
		u.msgs[i] = ipv4.Message{Buffers: [][]byte{buf[i*batchMessageSize : (i+1)*batchMessageSize]}}
	}
	n, err := u.batch.ReadBatch(u.msgs, 0)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return packet.Packet{}, nil
		}
		return packet.Packet{}, receiveError("recvmmsg", err)
	}
	if n == 0 {
		return packet.Packet{}, ErrShutdown
	}

	for i := 0; i < n; i++ {
		u.received.Add(int64(u.msgs[i].N))
		if i > 0 {
			u.pending = append(u.pending, packet.New(buf, i*batchMessageSize, u.msgs[i].N))
		}
	}
	return packet.New(buf, 0, u.msgs[0].N), nil
}

// Send transmits ranges as one datagram to the connected peer.
func (u *UDP) Send(ranges [][]byte) error {
	if u.conn == nil {
		return ErrNotOpen
	}
	msgs := []ipv4.Message{{Buffers: ranges}}
	if _, err := u.batch.WriteBatch(msgs, 0); err != nil {
		return &IOError{Op: "sendmsg", Err: err}
	}
	u.sent.Add(int64(msgs[0].N))
	return nil
}

// SendBatch transmits each entry as one datagram in a single system call.
// Datagrams the kernel did not accept are dropped.
func (u *UDP) SendBatch(messages [][][]byte) error {
	if u.conn == nil {
		return ErrNotOpen
	}
	if len(messages) == 0 {
		return nil
	}
	msgs := make([]ipv4.Message, len(messages))
	for i, m := range messages {
		msgs[i].Buffers = m
	}
	n, err := u.batch.WriteBatch(msgs, 0)
	if err != nil {
		return &IOError{Op: "sendmmsg", Err: err}
	}
	for i := 0; i < n; i++ {
		u.sent.Add(int64(msgs[i].N))
	}
	if n < len(msgs) {
		u.log.Debug("datagrams dropped", "sent", n, "requested", len(msgs))
	}
	return nil
}

// Close releases the socket.
func (u *UDP) Close() error {
	if u.conn == nil {
		return nil
	}
	return u.conn.Close()
}
