// Package pipeline runs the client side of a session: it receives messages
// from both channels, feeds video shards to the stream reassemblers and
// returns per-frame feedback to the server.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rcelyte/WiVRn/internal/protocol"
	"github.com/rcelyte/WiVRn/internal/stream"
	"github.com/rcelyte/WiVRn/internal/transport"
)

// Conn is the subset of connection.Connection the pipeline uses. Accepting
// an interface here keeps the receive loop testable without sockets.
type Conn interface {
	TCPOnly() bool
	SendControl(m protocol.Message) error
	ReceiveControl() (protocol.Message, error)
	ReceiveStream() (protocol.Message, error)
	Close() error
}

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	ShardsReceived   int64
	FramesCompleted  int64
	FeedbackSent     int64
	UnknownStream    int64
	Descriptions     int64
	UnhandledMessage int64
}

// Pipeline bridges a connection and a stream manager.
type Pipeline struct {
	log     *slog.Logger
	conn    Conn
	streams *stream.Manager
	now     func() int64

	shardsReceived   atomic.Int64
	framesCompleted  atomic.Int64
	feedbackSent     atomic.Int64
	unknownStream    atomic.Int64
	descriptions     atomic.Int64
	unhandledMessage atomic.Int64
}

// New creates a Pipeline receiving from conn into streams. If log is nil,
// slog.Default() is used.
func New(conn Conn, streams *stream.Manager, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		log:     log.With("component", "pipeline"),
		conn:    conn,
		streams: streams,
		now:     func() int64 { return time.Now().UnixNano() },
	}
}

// Stats returns the current counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		ShardsReceived:   p.shardsReceived.Load(),
		FramesCompleted:  p.framesCompleted.Load(),
		FeedbackSent:     p.feedbackSent.Load(),
		UnknownStream:    p.unknownStream.Load(),
		Descriptions:     p.descriptions.Load(),
		UnhandledMessage: p.unhandledMessage.Load(),
	}
}

// Run announces the supported codecs and receives until ctx is cancelled
// or the server closes the session. A server-side shutdown is not an
// error. Streams are removed when Run returns.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.streams.RemoveAll()

	info := protocol.HeadsetInfo{SupportedCodecs: p.streams.SupportedCodecs()}
	if err := p.conn.SendControl(info); err != nil {
		return fmt.Errorf("pipeline: send headset info: %w", err)
	}
	p.log.Info("headset info sent", "codecs", info.SupportedCodecs)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return p.conn.Close()
	})
	g.Go(func() error {
		return p.loop(gctx, "control", p.conn.ReceiveControl)
	})
	// In a TCP-only session both message kinds arrive on the control
	// channel, which must have a single reader.
	if !p.conn.TCPOnly() {
		g.Go(func() error {
			return p.loop(gctx, "stream", p.conn.ReceiveStream)
		})
	}

	err := g.Wait()
	if errors.Is(err, transport.ErrShutdown) {
		p.log.Info("session closed by server")
		return nil
	}
	return err
}

func (p *Pipeline) loop(ctx context.Context, channel string, receive func() (protocol.Message, error)) error {
	for {
		m, err := receive()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("pipeline: %s: %w", channel, err)
		}
		if m == nil {
			continue
		}
		if err := p.handle(m); err != nil {
			return err
		}
	}
}

func (p *Pipeline) handle(m protocol.Message) error {
	switch m := m.(type) {
	case *protocol.VideoStreamDataShard:
		return p.handleShard(m)
	case *protocol.VideoStreamDescription:
		p.descriptions.Add(1)
		if err := p.streams.Configure(m); err != nil {
			return fmt.Errorf("pipeline: configure streams: %w", err)
		}
		p.log.Info("video streams described", "count", len(m.Items))
	case *protocol.HandshakeToHeadset, *protocol.HandshakeFromHeadset:
		// Stray hello datagrams after the handshake.
	default:
		p.unhandledMessage.Add(1)
		p.log.Debug("message ignored", "type", fmt.Sprintf("%T", m))
	}
	return nil
}

func (p *Pipeline) handleShard(sh *protocol.VideoStreamDataShard) error {
	p.shardsReceived.Add(1)
	fb, err := p.streams.HandleShard(sh, p.now())
	if err != nil {
		if errors.Is(err, stream.ErrUnknownStream) {
			p.unknownStream.Add(1)
			p.log.Debug("shard for unknown stream", "stream", sh.StreamIndex, "frame", sh.FrameIndex)
			return nil
		}
		p.log.Warn("frame not decoded", "error", err)
	}
	if fb == nil {
		return nil
	}
	p.framesCompleted.Add(1)
	if err := p.conn.SendControl(fb); err != nil {
		return fmt.Errorf("pipeline: send feedback: %w", err)
	}
	p.feedbackSent.Add(1)
	return nil
}
