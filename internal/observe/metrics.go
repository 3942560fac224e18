// Package observe provides the observability primitives for voicelink:
// OpenTelemetry metrics, tracing helpers, trace-correlated structured logging,
// and HTTP middleware for the telemetry listener.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus via [InitProvider]. Components fall back to [DefaultMetrics] when
// no [Metrics] is injected; tests should use [NewMetrics] with a
// [sdkmetric.ManualReader]-backed provider to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicelink metrics.
const meterName = "github.com/MrWong99/voicelink"

// Metrics holds all OpenTelemetry metric instruments for the client.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks dial-to-open latency. Use with attribute:
	//   attribute.String("outcome", "ok" | "timeout" | "error")
	ConnectDuration metric.Float64Histogram

	// QueueWait tracks how long an inbound frame waited before playback.
	QueueWait metric.Float64Histogram

	// --- Counters ---

	// FramesSent counts outbound microphone frames.
	FramesSent metric.Int64Counter

	// FramesReceived counts inbound audio frames. Use with attribute:
	//   attribute.String("encoding", ...)
	FramesReceived metric.Int64Counter

	// PlaybackItems counts finished queue items. Use with attribute:
	//   attribute.String("outcome", "played" | "skipped" | "cancelled" | "failed")
	PlaybackItems metric.Int64Counter

	// StateTransitions counts session state changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// --- Error counters ---

	// SendFailures counts outbound messages that could not be written. Use
	// with attribute: attribute.String("kind", "audio" | "control")
	SendFailures metric.Int64Counter

	// DecodeErrors counts inbound frames that failed to decode. Use with
	// attribute: attribute.String("encoding", ...)
	DecodeErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks sessions in the Open or Streaming state.
	ActiveSessions metric.Int64UpDownCounter

	// MicLevel reports the most recent microphone RMS level (0-100).
	MicLevel metric.Float64Gauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks telemetry endpoint latency. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection and queueing latencies.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("voicelink.connect.duration",
		metric.WithDescription("Latency from dial to an open session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.QueueWait, err = m.Float64Histogram("voicelink.playback.queue_wait",
		metric.WithDescription("Time an inbound frame spent queued before playback."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("voicelink.frames.sent",
		metric.WithDescription("Total microphone frames sent."),
	); err != nil {
		return nil, err
	}
	if met.FramesReceived, err = m.Int64Counter("voicelink.frames.received",
		metric.WithDescription("Total inbound audio frames by encoding."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackItems, err = m.Int64Counter("voicelink.playback.items",
		metric.WithDescription("Total playback queue items by outcome."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("voicelink.session.transitions",
		metric.WithDescription("Total session state transitions."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.SendFailures, err = m.Int64Counter("voicelink.send.failures",
		metric.WithDescription("Total outbound messages that could not be sent, by kind."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("voicelink.decode.errors",
		metric.WithDescription("Total inbound frames that failed to decode, by encoding."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicelink.active_sessions",
		metric.WithDescription("Number of sessions currently open or streaming."),
	); err != nil {
		return nil, err
	}
	if met.MicLevel, err = m.Float64Gauge("voicelink.mic.level",
		metric.WithDescription("Most recent microphone RMS level, 0-100."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicelink.http.request.duration",
		metric.WithDescription("Telemetry HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Call it after [InitProvider] so the instruments bind to the
// Prometheus-backed provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordConnect records the outcome and latency of one connection attempt.
func (m *Metrics) RecordConnect(ctx context.Context, outcome string, d time.Duration) {
	m.ConnectDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordFrameSent increments the outbound frame counter.
func (m *Metrics) RecordFrameSent(ctx context.Context) {
	m.FramesSent.Add(ctx, 1)
}

// RecordFrameReceived increments the inbound frame counter.
func (m *Metrics) RecordFrameReceived(ctx context.Context, encoding string) {
	m.FramesReceived.Add(ctx, 1,
		metric.WithAttributes(attribute.String("encoding", encoding)),
	)
}

// RecordSendFailure increments the send failure counter.
func (m *Metrics) RecordSendFailure(ctx context.Context, kind string) {
	m.SendFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordDecodeError increments the decode error counter.
func (m *Metrics) RecordDecodeError(ctx context.Context, encoding string) {
	m.DecodeErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("encoding", encoding)),
	)
}

// RecordPlayback records the outcome of one playback item and how long it
// waited in the queue.
func (m *Metrics) RecordPlayback(ctx context.Context, outcome string, wait time.Duration) {
	m.PlaybackItems.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
	m.QueueWait.Record(ctx, wait.Seconds())
}

// RecordTransition records a session state change and keeps ActiveSessions in
// step with entering and leaving the connected states.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string, fromConnected, toConnected bool) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
	switch {
	case toConnected && !fromConnected:
		m.ActiveSessions.Add(ctx, 1)
	case fromConnected && !toConnected:
		m.ActiveSessions.Add(ctx, -1)
	}
}

// RecordMicLevel records the latest microphone level.
func (m *Metrics) RecordMicLevel(ctx context.Context, level float64) {
	m.MicLevel.Record(ctx, level)
}
