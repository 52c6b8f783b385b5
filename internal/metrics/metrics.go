// Package metrics exposes transport and reassembly counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rcelyte/WiVRn/internal/decoder"
)

const namespace = "wivrn"

// ByteCounter is implemented by transport channels.
type ByteCounter interface {
	BytesSent() int64
	BytesReceived() int64
}

// Metrics holds the collectors of one process. It implements
// decoder.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	framesSubmitted *prometheus.CounterVec
	framesDropped   *prometheus.CounterVec
	framesDecoded   *prometheus.CounterVec
	paramSets       *prometheus.CounterVec
	formats         *prometheus.CounterVec
	sessions        *prometheus.CounterVec
}

var _ decoder.Recorder = (*Metrics)(nil)

// New creates a Metrics instance on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		framesSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_submitted_total",
			Help:      "Frames submitted to a decode session",
		}, []string{"stream"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames dropped before decoding",
		}, []string{"stream", "reason"}),
		framesDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_decoded_total",
			Help:      "Frames reported back by a decode session",
		}, []string{"stream", "result"}),
		paramSets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parameter_sets_cached_total",
			Help:      "Parameter sets stored in the cache",
		}, []string{"stream", "kind"}),
		formats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "format_descriptions_total",
			Help:      "Format description derivations",
		}, []string{"stream", "result"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_sessions_created_total",
			Help:      "Decode session creation attempts",
		}, []string{"stream", "result"}),
	}
	m.registry.MustRegister(
		m.framesSubmitted,
		m.framesDropped,
		m.framesDecoded,
		m.paramSets,
		m.formats,
		m.sessions,
		collectors.NewGoCollector(),
	)
	return m
}

func label(stream uint8) string { return strconv.Itoa(int(stream)) }

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

func (m *Metrics) FrameSubmitted(stream uint8) {
	m.framesSubmitted.WithLabelValues(label(stream)).Inc()
}

func (m *Metrics) FrameDropped(stream uint8, reason string) {
	m.framesDropped.WithLabelValues(label(stream), reason).Inc()
}

func (m *Metrics) FrameDecoded(stream uint8, ok bool) {
	m.framesDecoded.WithLabelValues(label(stream), result(ok)).Inc()
}

func (m *Metrics) ParameterSetCached(stream uint8, kind decoder.ParamKind) {
	m.paramSets.WithLabelValues(label(stream), kind.String()).Inc()
}

func (m *Metrics) FormatDerived(stream uint8, ok bool) {
	m.formats.WithLabelValues(label(stream), result(ok)).Inc()
}

func (m *Metrics) SessionCreated(stream uint8, ok bool) {
	m.sessions.WithLabelValues(label(stream), result(ok)).Inc()
}

// TrackTransport exports the byte totals of src under the endpoint label
// name. The returned func unregisters them.
func (m *Metrics) TrackTransport(name string, src ByteCounter) (untrack func()) {
	labels := prometheus.Labels{"endpoint": name}
	sent := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        "transport_sent_bytes_total",
		Help:        "Bytes written to the socket, framing included",
		ConstLabels: labels,
	}, func() float64 { return float64(src.BytesSent()) })
	received := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        "transport_received_bytes_total",
		Help:        "Bytes read from the socket, framing included",
		ConstLabels: labels,
	}, func() float64 { return float64(src.BytesReceived()) })
	m.registry.MustRegister(sent, received)
	return func() {
		m.registry.Unregister(sent)
		m.registry.Unregister(received)
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
