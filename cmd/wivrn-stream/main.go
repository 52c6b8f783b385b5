package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/profile"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rcelyte/WiVRn/internal/config"
	"github.com/rcelyte/WiVRn/internal/connection"
	"github.com/rcelyte/WiVRn/internal/metrics"
)

var version = "dev"

var (
	cfgFile    string
	debug      bool
	profileOpt string

	flagPort        int
	flagTCPOnly     bool
	flagMetricsAddr string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "wivrn-stream",
	Short:         "Stream and receive WiVRn video sessions",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if debug || os.Getenv("DEBUG") != "" {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		flags := cmd.Flags()
		if flags.Changed("port") {
			cfg.Port = flagPort
		}
		if flags.Changed("tcp-only") {
			cfg.TCPOnly = flagTCPOnly
		}
		if flags.Changed("metrics-addr") {
			cfg.MetricsAddr = flagMetricsAddr
		}
		return cfg.Validate()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "path to a YAML configuration file")
	pf.BoolVar(&debug, "debug", false, "enable debug logging")
	pf.StringVar(&profileOpt, "profile", "", "write a cpu or mem profile to the working directory")
	pf.IntVar(&flagPort, "port", config.DefaultPort, "control port")
	pf.BoolVar(&flagTCPOnly, "tcp-only", false, "carry video over the control connection")
	pf.StringVar(&flagMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	rootCmd.AddCommand(serverCmd, clientCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("exiting", "error", err)
		os.Exit(1)
	}
}

// startProfile starts the profiler selected with --profile. The returned
// func stops it.
func startProfile() (stop func(), err error) {
	switch profileOpt {
	case "":
		return func() {}, nil
	case "cpu":
		return profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook).Stop, nil
	case "mem":
		return profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.NoShutdownHook).Stop, nil
	default:
		return nil, fmt.Errorf("unknown profile %q, want cpu or mem", profileOpt)
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// serveMetrics runs the metrics endpoint in g until ctx is done. It does
// nothing when no address is configured.
func serveMetrics(ctx context.Context, g *errgroup.Group, m *metrics.Metrics) {
	if cfg.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle(cfg.MetricsPath, m.Handler())
	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		slog.Info("metrics server listening", "addr", cfg.MetricsAddr, "path", cfg.MetricsPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func connectionOptions(log *slog.Logger) connection.Options {
	return connection.Options{
		TCPOnly:           cfg.TCPOnly,
		Timeout:           cfg.HandshakeTimeout,
		SendBufferSize:    cfg.StreamSendBufferSize,
		ReceiveBufferSize: cfg.StreamReceiveBufferSize,
		TypeOfService:     cfg.TypeOfService,
		Log:               log,
	}
}

// trackConnection exports the byte counters of both channels.
func trackConnection(m *metrics.Metrics, c *connection.Connection) (untrack func()) {
	untrackControl := m.TrackTransport("control", c.Control())
	if c.Stream() == nil {
		return untrackControl
	}
	untrackStream := m.TrackTransport("stream", c.Stream())
	return func() {
		untrackControl()
		untrackStream()
	}
}
