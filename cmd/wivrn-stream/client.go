package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rcelyte/WiVRn/internal/connection"
	"github.com/rcelyte/WiVRn/internal/decoder"
	"github.com/rcelyte/WiVRn/internal/metrics"
	"github.com/rcelyte/WiVRn/internal/pipeline"
	"github.com/rcelyte/WiVRn/internal/protocol"
	"github.com/rcelyte/WiVRn/internal/stream"
)

var clientCodecs []string

var clientCmd = &cobra.Command{
	Use:   "client <host[:port]>",
	Short: "Receive, reassemble and decode a session from a server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stop, err := startProfile()
		if err != nil {
			return err
		}
		defer stop()

		addr, err := resolve(args[0], cfg.Port)
		if err != nil {
			return err
		}
		backend := &decoder.SoftwareBackend{}
		for _, name := range clientCodecs {
			c, err := protocol.ParseCodec(name)
			if err != nil {
				return err
			}
			backend.Codecs = append(backend.Codecs, c)
		}

		ctx, cancel := signalContext()
		defer cancel()

		log := slog.With("server", addr.String())
		conn, err := connection.Dial(ctx, addr, connectionOptions(log))
		if err != nil {
			return err
		}
		defer conn.Close()
		log.Info("connected", "tcp_only", conn.TCPOnly())

		m := metrics.New()
		defer trackConnection(m, conn)()

		out := &frameLog{log: log}
		mgr := stream.NewManager(log, backend, out.frame, m)
		p := pipeline.New(conn, mgr, log)

		g, ctx := errgroup.WithContext(ctx)
		serveMetrics(ctx, g, m)
		g.Go(func() error {
			defer cancel()
			return p.Run(ctx)
		})
		g.Go(func() error {
			return out.report(ctx)
		})
		err = g.Wait()

		stats := p.Stats()
		log.Info("session ended",
			"shards", stats.ShardsReceived,
			"frames", stats.FramesCompleted,
			"decoded", out.decoded.Load(),
			"errors", out.failed.Load(),
		)
		return err
	},
}

func init() {
	clientCmd.Flags().StringSliceVar(&clientCodecs, "codecs", nil, "codecs to announce (h264, h265); all when empty")
}

func resolve(hostport string, defaultPort int) (netip.AddrPort, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = hostport, strconv.Itoa(defaultPort)
	}
	tcpAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, port))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: %w", hostport, err)
	}
	return tcpAddr.AddrPort(), nil
}

// frameLog is the decoded image sink of the client: it counts frames and
// logs a summary every few seconds.
type frameLog struct {
	log     *slog.Logger
	decoded atomic.Int64
	failed  atomic.Int64
	latency atomic.Int64 // last sent-to-decoded latency, ns
}

func (f *frameLog) frame(info decoder.FrameInfo, img *decoder.Image, err error) {
	if err != nil {
		f.failed.Add(1)
		f.log.Warn("frame decode failed", "stream", info.StreamIndex, "frame", info.FrameIndex, "error", err)
		return
	}
	f.decoded.Add(1)
	f.latency.Store(info.Feedback.ReceivedFromDecoder - info.Feedback.ReceivedFirstPacket)
	f.log.Debug("frame decoded",
		"stream", info.StreamIndex,
		"frame", info.FrameIndex,
		"width", img.Width,
		"height", img.Height,
		"keyframe", img.Keyframe,
	)
}

func (f *frameLog) report(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	var last int64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		n := f.decoded.Load()
		f.log.Info("decoding",
			"fps", float64(n-last)/5,
			"decoded", n,
			"errors", f.failed.Load(),
			"latency", time.Duration(f.latency.Load()),
		)
		last = n
	}
}
