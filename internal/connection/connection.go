// Package connection establishes a WiVRn session: a reliable control
// channel plus, unless disabled, a datagram stream channel negotiated over
// it.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rcelyte/WiVRn/internal/protocol"
	"github.com/rcelyte/WiVRn/internal/transport"
)

var (
	// ErrHandshakeTimeout reports that the peer did not complete the
	// handshake in time.
	ErrHandshakeTimeout = errors.New("connection: no handshake received")
	// ErrInvalidHandshake reports an unexpected message during the
	// handshake.
	ErrInvalidHandshake = errors.New("connection: invalid handshake")
)

const (
	pollInterval  = 50 * time.Millisecond
	helloInterval = 100 * time.Millisecond
)

// Options tunes the handshake and the stream socket.
type Options struct {
	// TCPOnly carries stream messages over the control channel.
	TCPOnly bool
	// Timeout bounds the whole handshake. Zero means 10 seconds.
	Timeout time.Duration
	// SendBufferSize is applied to the stream socket once connected.
	SendBufferSize int
	// ReceiveBufferSize is applied to the stream socket when created.
	ReceiveBufferSize int
	// TypeOfService marks stream datagrams. Zero leaves the default.
	TypeOfService int
	Log           *slog.Logger

	// newStream replaces transport.OpenUDP when set.
	newStream func(ipv6 bool, log *slog.Logger) *transport.UDP
}

func (o *Options) defaults() {
	if o.Timeout == 0 {
		o.Timeout = 10 * time.Second
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
}

// Connection is an established session.
type Connection struct {
	log     *slog.Logger
	control *transport.TCP
	stream  *transport.UDP
}

func (o *Options) openStream(ipv6 bool) (*transport.UDP, error) {
	open := transport.OpenUDP
	if o.newStream != nil {
		open = o.newStream
	}
	u := open(ipv6, o.Log)
	if o.ReceiveBufferSize > 0 {
		if err := u.SetReceiveBufferSize(o.ReceiveBufferSize); err != nil {
			return nil, err
		}
	}
	if o.TypeOfService > 0 {
		if err := u.SetTypeOfService(o.TypeOfService); err != nil {
			return nil, err
		}
	}
	return u, nil
}

// Accept runs the server side of the handshake on an accepted control
// channel. The stream socket binds the control channel's local port and
// connects to the first datagram received from the client's address. A
// client may instead ask for a TCP-only session over the control channel.
func Accept(ctx context.Context, control *transport.TCP, opts Options) (*Connection, error) {
	opts.defaults()
	c := &Connection{
		log:     opts.Log.With("component", "connection", "peer", control.RemoteAddr().String()),
		control: control,
	}
	local := control.LocalAddr()
	client := control.RemoteAddr().Addr().Unmap()

	port := int32(local.Port())
	if opts.TCPOnly {
		port = -1
	} else {
		u, err := opts.openStream(!local.Addr().Is4())
		if err != nil {
			return nil, err
		}
		if err := u.Bind(int(local.Port())); err != nil {
			return nil, err
		}
		c.stream = u
	}

	if err := c.SendControl(protocol.HandshakeToHeadset{StreamPort: port}); err != nil {
		c.closeStream()
		return nil, err
	}

	deadline := time.Now().Add(opts.Timeout)
	for {
		if err := ctx.Err(); err != nil {
			c.closeStream()
			return nil, err
		}
		if time.Now().After(deadline) {
			c.closeStream()
			return nil, ErrHandshakeTimeout
		}

		if c.stream != nil {
			done, err := c.pollStreamHello(client, opts.SendBufferSize)
			if err != nil {
				c.closeStream()
				return nil, err
			}
			if done {
				break
			}
		}

		if err := control.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
			c.closeStream()
			return nil, err
		}
		m, err := c.ReceiveControl()
		if err != nil {
			c.closeStream()
			return nil, err
		}
		if m == nil {
			continue
		}
		if _, ok := m.(*protocol.HandshakeFromHeadset); !ok {
			c.closeStream()
			return nil, fmt.Errorf("%w: %T", ErrInvalidHandshake, m)
		}
		c.closeStream()
		port = -1
		c.log.Info("using TCP only")
		break
	}

	if err := control.SetReadDeadline(time.Time{}); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.SendControl(protocol.HandshakeToHeadset{StreamPort: port}); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// pollStreamHello waits briefly for a datagram from client and connects
// the stream socket to its sender.
func (c *Connection) pollStreamHello(client netip.Addr, sendBuf int) (bool, error) {
	if err := c.stream.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
		return false, err
	}
	p, from, err := c.stream.ReceiveFrom()
	if err != nil {
		return false, err
	}
	if p.Empty() || from.Addr().Unmap() != client {
		return false, nil
	}
	if err := c.stream.Connect(from); err != nil {
		return false, err
	}
	if sendBuf > 0 {
		if err := c.stream.SetSendBufferSize(sendBuf); err != nil {
			return false, err
		}
	}
	if err := c.stream.SetReadDeadline(time.Time{}); err != nil {
		return false, err
	}
	c.log.Debug("stream socket connected", "client_port", from.Port())
	return true, nil
}

// Dial connects to a server and runs the client side of the handshake.
// Unless TCP only is requested, hello datagrams are sent every 100ms
// until the server confirms.
func Dial(ctx context.Context, addr netip.AddrPort, opts Options) (*Connection, error) {
	opts.defaults()
	control, err := transport.DialTCP(ctx, addr, opts.Log)
	if err != nil {
		return nil, err
	}
	c := &Connection{
		log:     opts.Log.With("component", "connection", "peer", addr.String()),
		control: control,
	}
	deadline := time.Now().Add(opts.Timeout)

	hs, err := c.awaitHandshake(ctx, deadline)
	if err != nil {
		c.Close()
		return nil, err
	}

	tcpOnly := hs.StreamPort < 0 || opts.TCPOnly
	if !tcpOnly {
		if err := c.connectStream(addr.Addr(), uint16(hs.StreamPort), &opts); err != nil {
			c.log.Warn("stream socket unavailable, falling back to TCP", "error", err)
			tcpOnly = true
		}
	}
	if tcpOnly {
		err = c.SendControl(protocol.HandshakeFromHeadset{})
		if err == nil {
			hs, err = c.awaitHandshake(ctx, deadline)
		}
	} else {
		hs, err = c.helloStream(ctx, deadline)
	}
	if err != nil {
		c.Close()
		return nil, err
	}
	if hs.StreamPort < 0 {
		c.closeStream()
		c.log.Info("using TCP only")
	}
	if err := control.SetReadDeadline(time.Time{}); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// connectStream creates the stream socket and connects it to the server's
// stream port. On failure no socket is kept.
func (c *Connection) connectStream(server netip.Addr, port uint16, opts *Options) error {
	u, err := opts.openStream(!server.Unmap().Is4())
	if err != nil {
		return err
	}
	if err := u.Connect(netip.AddrPortFrom(server.Unmap(), port)); err != nil {
		u.Close()
		return err
	}
	c.stream = u
	return nil
}

// helloStream sends hello datagrams on the connected stream socket until
// the server confirms over the control channel.
func (c *Connection) helloStream(ctx context.Context, deadline time.Time) (*protocol.HandshakeToHeadset, error) {
	u := c.stream

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hello := protocol.Marshal(protocol.HandshakeFromHeadset{})
		ticker := time.NewTicker(helloInterval)
		defer ticker.Stop()
		for {
			if err := u.Send(hello); err != nil {
				c.log.Debug("hello datagram not sent", "error", err)
			}
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	var confirm *protocol.HandshakeToHeadset
	g.Go(func() error {
		defer cancel()
		var err error
		confirm, err = c.awaitHandshake(gctx, deadline)
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return confirm, nil
}

func (c *Connection) awaitHandshake(ctx context.Context, deadline time.Time) (*protocol.HandshakeToHeadset, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		now := time.Now()
		if now.After(deadline) {
			return nil, ErrHandshakeTimeout
		}
		poll := now.Add(pollInterval)
		if poll.After(deadline) {
			poll = deadline
		}
		if err := c.control.SetReadDeadline(poll); err != nil {
			return nil, err
		}
		m, err := c.ReceiveControl()
		if err != nil {
			return nil, err
		}
		switch m := m.(type) {
		case nil:
		case *protocol.HandshakeToHeadset:
			return m, nil
		default:
			return nil, fmt.Errorf("%w: %T", ErrInvalidHandshake, m)
		}
	}
}

// TCPOnly reports whether stream messages travel over the control channel.
func (c *Connection) TCPOnly() bool {
	return c.stream == nil
}

// Control returns the control channel.
func (c *Connection) Control() *transport.TCP {
	return c.control
}

// Stream returns the stream channel, or nil in a TCP-only session.
func (c *Connection) Stream() *transport.UDP {
	return c.stream
}

// SendControl sends m over the control channel.
func (c *Connection) SendControl(m protocol.Message) error {
	return c.control.Send(protocol.Marshal(m))
}

// SendStream sends m over the stream channel.
func (c *Connection) SendStream(m protocol.Message) error {
	if c.stream == nil {
		return c.SendControl(m)
	}
	return c.stream.Send(protocol.Marshal(m))
}

// SendStreamBatch sends ms over the stream channel in one system call.
func (c *Connection) SendStreamBatch(ms []protocol.Message) error {
	batch := make([][][]byte, len(ms))
	for i, m := range ms {
		batch[i] = protocol.Marshal(m)
	}
	if c.stream == nil {
		return c.control.SendBatch(batch)
	}
	return c.stream.SendBatch(batch)
}

// ReceiveControl performs one receive on the control channel. It returns
// a nil message when no complete message is available yet.
func (c *Connection) ReceiveControl() (protocol.Message, error) {
	p, err := c.control.ReceiveRaw()
	if err != nil || p.Empty() {
		return nil, err
	}
	return protocol.Unmarshal(p)
}

// ReceiveStream performs one receive on the stream channel. It returns a
// nil message when the read deadline expired.
func (c *Connection) ReceiveStream() (protocol.Message, error) {
	if c.stream == nil {
		return c.ReceiveControl()
	}
	p, err := c.stream.ReceiveBatch()
	if err != nil || p.Empty() {
		return nil, err
	}
	return protocol.Unmarshal(p)
}

func (c *Connection) closeStream() {
	if c.stream != nil {
		c.stream.Close()
		c.stream = nil
	}
}

// Close closes both channels, unblocking pending receives.
func (c *Connection) Close() error {
	if c.stream != nil {
		c.stream.Close()
	}
	return c.control.Close()
}
