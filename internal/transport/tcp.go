package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/rcelyte/WiVRn/internal/packet"
)

const (
	// MaxMessageSize is the largest payload a length prefix can describe.
	MaxMessageSize = 0xffff
	headerSize     = 2
	minReceiveBuf  = 4096
)

// TCP is a reliable message channel. Each message travels as a 2-byte
// little-endian payload length followed by the payload.
//
// Sends are serialized internally and may be called from any goroutine.
// Receives must not be called concurrently with each other.
type TCP struct {
	counters

	log  *slog.Logger
	conn net.Conn

	sendMu sync.Mutex

	// Unconsumed bytes live in buf[start:end]. Packets already handed out
	// reference earlier regions of buf or of previous buffers, so those
	// bytes are never written again.
	buf    []byte
	start  int
	end    int
	broken error
}

// NewTCP wraps an established stream connection. Nagle's algorithm is
// disabled on TCP sockets. Writes to a closed peer surface as errors
// rather than SIGPIPE because the Go runtime handles that signal.
func NewTCP(conn net.Conn, log *slog.Logger) (*TCP, error) {
	if log == nil {
		log = slog.Default()
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.SetNoDelay(true); err != nil {
			return nil, &IOError{Op: "set nodelay", Err: err}
		}
	}
	return &TCP{
		log:  log.With("component", "tcp", "remote", conn.RemoteAddr().String()),
		conn: conn,
	}, nil
}

// DialTCP connects to addr and returns the resulting channel.
func DialTCP(ctx context.Context, addr netip.AddrPort, log *slog.Logger) (*TCP, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, &IOError{Op: "connect", Err: err}
	}
	t, err := NewTCP(conn, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return t, nil
}

// LocalAddr returns the local endpoint of the connection.
func (t *TCP) LocalAddr() netip.AddrPort {
	return addrPort(t.conn.LocalAddr())
}

// RemoteAddr returns the peer endpoint of the connection.
func (t *TCP) RemoteAddr() netip.AddrPort {
	return addrPort(t.conn.RemoteAddr())
}

func addrPort(a net.Addr) netip.AddrPort {
	if ta, ok := a.(*net.TCPAddr); ok {
		return ta.AddrPort()
	}
	return netip.AddrPort{}
}

// SetReadDeadline bounds blocking receives. A receive that hits the
// deadline returns the empty packet and a nil error.
func (t *TCP) SetReadDeadline(d time.Time) error {
	return t.conn.SetReadDeadline(d)
}

// ReceivePending extracts the next complete message already buffered,
// without any I/O. It returns the empty packet when the buffer holds no
// complete message.
func (t *TCP) ReceivePending() (packet.Packet, error) {
	if t.broken != nil {
		return packet.Packet{}, t.broken
	}
	unconsumed := t.end - t.start
	if unconsumed < headerSize {
		return packet.Packet{}, nil
	}
	size := int(binary.LittleEndian.Uint16(t.buf[t.start:]))
	if size == 0 {
		t.broken = fmt.Errorf("%w: zero-length message", ErrInvalidPacket)
		t.log.Warn("invalid message on reliable channel", "error", t.broken)
		return packet.Packet{}, t.broken
	}
	if unconsumed < headerSize+size {
		return packet.Packet{}, nil
	}
	p := packet.New(t.buf, t.start+headerSize, size)
	t.start += headerSize + size
	return p, nil
}

// ReceiveRaw returns a buffered message if one is complete. Otherwise it
// performs one read and returns the first message that completes, or the
// empty packet if more bytes are needed.
func (t *TCP) ReceiveRaw() (packet.Packet, error) {
	if p, err := t.ReceivePending(); err != nil || !p.Empty() {
		return p, err
	}

	if need := t.required(); need > len(t.buf)-t.end {
		t.grow(need)
	}

	n, err := t.conn.Read(t.buf[t.end:])
	t.end += n
	t.received.Add(int64(n))
	if err != nil {
		switch {
		case errors.Is(err, os.ErrDeadlineExceeded):
			return t.ReceivePending()
		case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			return packet.Packet{}, ErrShutdown
		default:
			return packet.Packet{}, &IOError{Op: "recv", Err: err}
		}
	}
	if n == 0 {
		return packet.Packet{}, ErrShutdown
	}
	return t.ReceivePending()
}

// required returns how many more bytes complete the message at the head
// of the buffer.
func (t *TCP) required() int {
	unconsumed := t.end - t.start
	if unconsumed < headerSize {
		return headerSize - unconsumed
	}
	size := int(binary.LittleEndian.Uint16(t.buf[t.start:]))
	return headerSize + size - unconsumed
}

// grow moves the unconsumed bytes to the front of a fresh allocation with
// room for need more bytes. The old buffer is left to the packets still
// referencing it.
func (t *TCP) grow(need int) {
	unconsumed := t.end - t.start
	nb := make([]byte, max(unconsumed+need, minReceiveBuf))
	copy(nb, t.buf[t.start:t.end])
	t.buf = nb
	t.start = 0
	t.end = unconsumed
}

// Send transmits the concatenation of ranges as one framed message.
func (t *TCP) Send(ranges [][]byte) error {
	return t.SendBatch([][][]byte{ranges})
}

// SendBatch transmits each entry as a framed message in order, gathering
// all of them into a single vectored write. Concurrent sends never
// interleave.
func (t *TCP) SendBatch(messages [][][]byte) error {
	headers := make([]byte, headerSize*len(messages))
	bufs := make(net.Buffers, 0, 2*len(messages))
	for i, m := range messages {
		size := 0
		for _, r := range m {
			size += len(r)
		}
		if size == 0 {
			return fmt.Errorf("%w: empty message", ErrInvalidPacket)
		}
		if size > MaxMessageSize {
			return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, size)
		}
		h := headers[i*headerSize : (i+1)*headerSize]
		binary.LittleEndian.PutUint16(h, uint16(size))
		bufs = append(bufs, h)
		for _, r := range m {
			if len(r) > 0 {
				bufs = append(bufs, r)
			}
		}
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	n, err := bufs.WriteTo(t.conn)
	t.sent.Add(n)
	if err != nil {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			return ErrShutdown
		}
		return &IOError{Op: "send", Err: err}
	}
	return nil
}

// Close closes the connection.
func (t *TCP) Close() error {
	return t.conn.Close()
}
