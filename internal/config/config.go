// Package config holds the settings shared by the server and client
// commands.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rcelyte/WiVRn/internal/protocol"
)

// DefaultPort is the control port a server listens on.
const DefaultPort = 9757

// Config holds the process configuration.
type Config struct {
	Port    int  `yaml:"port"`
	TCPOnly bool `yaml:"tcp_only"`

	StreamSendBufferSize    int           `yaml:"stream_send_buffer_size"`
	StreamReceiveBufferSize int           `yaml:"stream_receive_buffer_size"`
	TypeOfService           int           `yaml:"type_of_service"`
	HandshakeTimeout        time.Duration `yaml:"handshake_timeout"`

	// MetricsAddr is the listen address of the metrics endpoint. Empty
	// disables it.
	MetricsAddr string `yaml:"metrics_addr"`
	MetricsPath string `yaml:"metrics_path"`

	Codec  string `yaml:"codec"`
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:                 DefaultPort,
		StreamSendBufferSize: 5 * 1024 * 1024,
		TypeOfService:        0x10, // IPTOS_LOWDELAY
		HandshakeTimeout:     10 * time.Second,
		MetricsPath:          "/metrics",
		Codec:                "h264",
	}
}

// Load reads the YAML file at path over the defaults and applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("WIVRN_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: WIVRN_PORT: %w", err)
		}
		c.Port = port
	}
	if v := os.Getenv("WIVRN_TCP_ONLY"); v != "" {
		tcpOnly, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: WIVRN_TCP_ONLY: %w", err)
		}
		c.TCPOnly = tcpOnly
	}
	c.MetricsAddr = envOr("WIVRN_METRICS_ADDR", c.MetricsAddr)
	return nil
}

// Validate checks the configuration for values the transport cannot use.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 0xffff {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.StreamSendBufferSize < 0 || c.StreamReceiveBufferSize < 0 {
		return errors.New("config: buffer sizes must not be negative")
	}
	if c.TypeOfService < 0 || c.TypeOfService > 0xff {
		return fmt.Errorf("config: type of service %#x out of range", c.TypeOfService)
	}
	if c.HandshakeTimeout <= 0 {
		return errors.New("config: handshake timeout must be positive")
	}
	if _, err := protocol.ParseCodec(c.Codec); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Width < 0 || c.Width > 0xffff || c.Height < 0 || c.Height > 0xffff {
		return fmt.Errorf("config: size %dx%d out of range", c.Width, c.Height)
	}
	if c.MetricsAddr != "" && (c.MetricsPath == "" || c.MetricsPath[0] != '/') {
		return fmt.Errorf("config: metrics path %q must start with /", c.MetricsPath)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
