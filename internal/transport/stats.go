package transport

import "sync/atomic"

// counters tracks bytes moved through a channel. Totals are read
// concurrently by the metrics exporter.
type counters struct {
	sent     atomic.Int64
	received atomic.Int64
}

// BytesSent returns the total number of bytes written to the socket,
// framing included.
func (c *counters) BytesSent() int64 { return c.sent.Load() }

// BytesReceived returns the total number of bytes read from the socket,
// framing included.
func (c *counters) BytesReceived() int64 { return c.received.Load() }
