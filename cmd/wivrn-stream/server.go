package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rcelyte/WiVRn/internal/connection"
	"github.com/rcelyte/WiVRn/internal/metrics"
	"github.com/rcelyte/WiVRn/internal/protocol"
	"github.com/rcelyte/WiVRn/internal/source"
	"github.com/rcelyte/WiVRn/internal/transport"
)

var (
	serverFPS      int
	serverShardMax int
)

var serverCmd = &cobra.Command{
	Use:   "server <file>",
	Short: "Stream an Annex-B elementary stream to one client at a time",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stop, err := startProfile()
		if err != nil {
			return err
		}
		defer stop()

		codec, err := protocol.ParseCodec(cfg.Codec)
		if err != nil {
			return err
		}
		file, err := source.Open(args[0], codec, nil)
		if err != nil {
			return err
		}
		item, err := file.Item(cfg.Width, cfg.Height)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		m := metrics.New()
		g, ctx := errgroup.WithContext(ctx)
		serveMetrics(ctx, g, m)

		ln, err := transport.ListenTCP(cfg.Port, nil)
		if err != nil {
			return err
		}
		slog.Info("wivrn-stream server listening", "version", version, "addr", ln.Addr().String(),
			"file", args[0], "codec", codec.String(), "width", item.Width, "height", item.Height)

		s := &streamer{file: file, item: item, metrics: m}
		g.Go(func() error {
			defer ln.Close()
			for {
				tcp, err := ln.Accept(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				if err := s.serve(ctx, tcp); err != nil && ctx.Err() == nil {
					slog.Warn("session ended", "peer", tcp.RemoteAddr().String(), "error", err)
				}
			}
		})
		return g.Wait()
	},
}

func init() {
	serverCmd.Flags().IntVar(&serverFPS, "fps", 60, "frames sent per second")
	serverCmd.Flags().IntVar(&serverShardMax, "shard-size", source.MaxShardPayload, "maximum shard payload in bytes")
}

type streamer struct {
	file    *source.File
	item    protocol.VideoStreamItem
	metrics *metrics.Metrics
}

// serve runs one session: handshake, capability check, stream
// description, then frames until the client leaves or ctx is done.
func (s *streamer) serve(ctx context.Context, tcp *transport.TCP) error {
	log := slog.With("peer", tcp.RemoteAddr().String())
	conn, err := connection.Accept(ctx, tcp, connectionOptions(log))
	if err != nil {
		tcp.Close()
		return err
	}
	defer conn.Close()
	defer trackConnection(s.metrics, conn)()
	log.Info("client connected", "tcp_only", conn.TCPOnly())

	info, err := awaitHeadsetInfo(ctx, conn, cfg.HandshakeTimeout)
	if err != nil {
		return err
	}
	if !supports(info, s.item.Codec) {
		return fmt.Errorf("client does not decode %s, supports %v", s.item.Codec, info.SupportedCodecs)
	}
	if err := conn.SendControl(protocol.VideoStreamDescription{Items: []protocol.VideoStreamItem{s.item}}); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return conn.Close()
	})
	g.Go(func() error {
		return s.send(gctx, conn)
	})
	g.Go(func() error {
		return receiveFeedback(gctx, conn, log)
	})
	err = g.Wait()
	if errors.Is(err, transport.ErrShutdown) {
		log.Info("client disconnected")
		return nil
	}
	return err
}

func supports(info *protocol.HeadsetInfo, codec protocol.Codec) bool {
	for _, c := range info.SupportedCodecs {
		if c == codec {
			return true
		}
	}
	return false
}

func awaitHeadsetInfo(ctx context.Context, conn *connection.Connection, timeout time.Duration) (*protocol.HeadsetInfo, error) {
	deadline := time.Now().Add(timeout)
	defer conn.Control().SetReadDeadline(time.Time{})
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := conn.Control().SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
			return nil, err
		}
		m, err := conn.ReceiveControl()
		if err != nil {
			return nil, err
		}
		if info, ok := m.(*protocol.HeadsetInfo); ok {
			return info, nil
		}
	}
	return nil, errors.New("no headset info received")
}

func (s *streamer) send(ctx context.Context, conn *connection.Connection) error {
	ticker := time.NewTicker(time.Second / time.Duration(max(serverFPS, 1)))
	defer ticker.Stop()

	start := time.Now()
	for frame := uint64(0); ; frame++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		au := s.file.Next()
		now := time.Now().UnixNano()
		timing := &protocol.TimingInfo{EncodeBegin: now, EncodeEnd: now, SendBegin: now}
		view := &protocol.ViewInfo{DisplayTime: start.Add(time.Duration(frame) * time.Second / time.Duration(max(serverFPS, 1))).UnixNano()}
		shards := source.Shards(au, 0, frame, serverShardMax, timing, view)
		timing.SendEnd = time.Now().UnixNano()

		msgs := make([]protocol.Message, len(shards))
		for i, sh := range shards {
			msgs[i] = sh
		}
		if err := conn.SendStreamBatch(msgs); err != nil {
			return err
		}
	}
}

func receiveFeedback(ctx context.Context, conn *connection.Connection, log *slog.Logger) error {
	for {
		m, err := conn.ReceiveControl()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fb, ok := m.(*protocol.Feedback)
		if !ok {
			continue
		}
		log.Debug("frame feedback",
			"frame", fb.FrameIndex,
			"packets", fb.DataPackets,
			"network", time.Duration(fb.ReceivedLastPacket-fb.ReceivedFirstPacket),
			"decode", time.Duration(fb.ReceivedFromDecoder-fb.SentToDecoder),
		)
	}
}
