package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
)

// TCPListener accepts reliable channels on a dual-stack port.
type TCPListener struct {
	base *slog.Logger
	log  *slog.Logger
	ln   net.Listener
}

// ListenTCP listens on port across IPv4 and IPv6 with address reuse and a
// backlog of one pending connection. Port 0 picks an ephemeral port.
func ListenTCP(port int, log *slog.Logger) (*TCPListener, error) {
	if log == nil {
		log = slog.Default()
	}
	ln, err := listenBacklog(port)
	if err != nil {
		return nil, &IOError{Op: "listen", Err: err}
	}
	l := &TCPListener{base: log, log: log.With("component", "tcp-listener"), ln: ln}
	l.log.Info("listening", "addr", ln.Addr().String())
	return l, nil
}

// Addr returns the bound address.
func (l *TCPListener) Addr() netip.AddrPort {
	return addrPort(l.ln.Addr())
}

// Accept waits for the next connection. Cancelling ctx closes the
// listener and unblocks the wait.
func (l *TCPListener) Accept(ctx context.Context) (*TCP, error) {
	stop := context.AfterFunc(ctx, func() { l.ln.Close() })
	defer stop()

	conn, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrShutdown
		}
		return nil, &IOError{Op: "accept", Err: err}
	}
	l.log.Debug("connection accepted", "remote", conn.RemoteAddr().String())
	t, err := NewTCP(conn, l.base)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return t, nil
}

// Close stops listening.
func (l *TCPListener) Close() error {
	return l.ln.Close()
}
