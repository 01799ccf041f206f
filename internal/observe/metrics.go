// Package observe provides application-wide observability primitives for the
// intercom endpoint: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// bridges them into a per-process Prometheus registry that
// [Telemetry.Handler] serves on /metrics. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all intercom metrics.
const meterName = "github.com/sw4796/makerton-esp32-aiagent"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// PlaybackWriteDuration tracks how long a blocking peripheral write took,
	// i.e. how long the hardware needed to consume one payload.
	PlaybackWriteDuration metric.Float64Histogram

	// TransitionDuration tracks how long a mode transition held the
	// peripheral, settle delay included.
	TransitionDuration metric.Float64Histogram

	// --- Counters ---

	// CaptureFrames counts full frames read from the input peripheral.
	CaptureFrames metric.Int64Counter

	// CaptureErrors counts peripheral read errors in the capture loop.
	CaptureErrors metric.Int64Counter

	// GateTriggers counts frames in which an indicator threshold was exceeded.
	// Use with attribute:
	//   attribute.String("indicator", ...)
	GateTriggers metric.Int64Counter

	// MessagesSent counts outbound messages. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("status", ...)
	MessagesSent metric.Int64Counter

	// MessagesReceived counts inbound messages. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("status", ...)
	MessagesReceived metric.Int64Counter

	// ConnectAttempts counts connection attempts. Use with attribute:
	//   attribute.String("status", ...)
	ConnectAttempts metric.Int64Counter

	// ModeTransitions counts completed mode transitions. Use with attribute:
	//   attribute.String("to", ...)
	ModeTransitions metric.Int64Counter

	// PlaybackPayloads counts payloads handed to the playback engine. Use with
	// attributes:
	//   attribute.String("source", ...), attribute.String("status", ...)
	PlaybackPayloads metric.Int64Counter

	// PlaybackSamples counts samples written to the output peripheral.
	PlaybackSamples metric.Int64Counter

	// RingRejections counts ring buffer writes or reads rejected for lack of
	// space or data. Use with attribute:
	//   attribute.String("op", ...)
	RingRejections metric.Int64Counter

	// --- Gauges ---

	// Connected is 1 while the transport is connected and 0 otherwise.
	Connected metric.Int64UpDownCounter

	// ActiveMonitors tracks monitor clients attached to the peer server.
	ActiveMonitors metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) tuned for
// frame-sized audio writes and settle-delayed reconfiguration.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.PlaybackWriteDuration, err = m.Float64Histogram("intercom.playback.write.duration",
		metric.WithDescription("Time the output peripheral took to consume one payload."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TransitionDuration, err = m.Float64Histogram("intercom.mode.transition.duration",
		metric.WithDescription("Time spent reconfiguring the peripheral on a mode change."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CaptureFrames, err = m.Int64Counter("intercom.capture.frames",
		metric.WithDescription("Total frames captured from the input peripheral."),
	); err != nil {
		return nil, err
	}
	if met.CaptureErrors, err = m.Int64Counter("intercom.capture.errors",
		metric.WithDescription("Total peripheral read errors in the capture loop."),
	); err != nil {
		return nil, err
	}
	if met.GateTriggers, err = m.Int64Counter("intercom.gate.triggers",
		metric.WithDescription("Total frames that triggered an amplitude indicator."),
	); err != nil {
		return nil, err
	}
	if met.MessagesSent, err = m.Int64Counter("intercom.transport.sent",
		metric.WithDescription("Total outbound messages by kind and status."),
	); err != nil {
		return nil, err
	}
	if met.MessagesReceived, err = m.Int64Counter("intercom.transport.received",
		metric.WithDescription("Total inbound messages by kind and status."),
	); err != nil {
		return nil, err
	}
	if met.ConnectAttempts, err = m.Int64Counter("intercom.transport.connect_attempts",
		metric.WithDescription("Total connection attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.ModeTransitions, err = m.Int64Counter("intercom.mode.transitions",
		metric.WithDescription("Total mode transitions by target mode."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackPayloads, err = m.Int64Counter("intercom.playback.payloads",
		metric.WithDescription("Total playback payloads by source and status."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackSamples, err = m.Int64Counter("intercom.playback.samples",
		metric.WithDescription("Total samples written to the output peripheral."),
	); err != nil {
		return nil, err
	}
	if met.RingRejections, err = m.Int64Counter("intercom.ring.rejections",
		metric.WithDescription("Total ring buffer operations rejected by capacity."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.Connected, err = m.Int64UpDownCounter("intercom.transport.connected",
		metric.WithDescription("1 while the peer connection is up."),
	); err != nil {
		return nil, err
	}
	if met.ActiveMonitors, err = m.Int64UpDownCounter("intercom.peer.active_monitors",
		metric.WithDescription("Number of monitor clients attached to the peer server."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("intercom.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
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
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// RecordSend records one outbound message of kind ("text", "binary", "ping")
// with status ("ok", "dropped", "error").
func (m *Metrics) RecordSend(ctx context.Context, kind, status string) {
	m.MessagesSent.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordReceive records one inbound message of kind with status.
func (m *Metrics) RecordReceive(ctx context.Context, kind, status string) {
	m.MessagesReceived.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordConnectAttempt records one connection attempt.
func (m *Metrics) RecordConnectAttempt(ctx context.Context, status string) {
	m.ConnectAttempts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordModeTransition records a completed transition into mode to.
func (m *Metrics) RecordModeTransition(ctx context.Context, to string, seconds float64) {
	m.ModeTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("to", to)))
	m.TransitionDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("to", to)))
}

// RecordPlayback records one playback payload from source ("network",
// "tone") and, when samples > 0, the samples written.
func (m *Metrics) RecordPlayback(ctx context.Context, source, status string, samples int) {
	m.PlaybackPayloads.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("status", status),
		),
	)
	if samples > 0 {
		m.PlaybackSamples.Add(ctx, int64(samples), metric.WithAttributes(attribute.String("source", source)))
	}
}

// RecordGateTrigger records one frame that lit indicator.
func (m *Metrics) RecordGateTrigger(ctx context.Context, indicator string) {
	m.GateTriggers.Add(ctx, 1, metric.WithAttributes(attribute.String("indicator", indicator)))
}

// RecordRingRejection records a ring buffer op ("write", "read") rejected by
// capacity.
func (m *Metrics) RecordRingRejection(ctx context.Context, op string) {
	m.RingRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}
