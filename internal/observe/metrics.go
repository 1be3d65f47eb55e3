// Package observe provides application-wide observability primitives for
// friday-stream: OpenTelemetry metrics, tracing, structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all friday-stream
// metrics.
const meterName = "github.com/doramirdor/friday-stream"

// Metrics holds all OpenTelemetry metric instruments for the engine.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ChunkSendDuration tracks the latency of sending one audio chunk
	// over the persistent connection.
	ChunkSendDuration metric.Float64Histogram

	// BatchRequestDuration tracks the latency of one batched recognize
	// request.
	BatchRequestDuration metric.Float64Histogram

	// --- Counters ---

	// FramesCaptured counts audio frames received from the capture source.
	// Use with attribute: attribute.String("backend", ...)
	FramesCaptured metric.Int64Counter

	// ChunksSent counts audio chunks handed to the transport. Use with
	// attribute: attribute.String("strategy", ...)
	ChunksSent metric.Int64Counter

	// BytesSent counts audio payload bytes handed to the transport.
	BytesSent metric.Int64Counter

	// ResultsReceived counts transcription results by kind. Use with
	// attribute: attribute.String("kind", "partial"|"final")
	ResultsReceived metric.Int64Counter

	// OverflowFlushes counts forced accumulator flushes caused by the
	// pending-frame cap.
	OverflowFlushes metric.Int64Counter

	// --- Error counters ---

	// TransportErrors counts transport errors by class. Use with
	// attributes: attribute.String("strategy", ...), attribute.String("class", ...)
	TransportErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live transcription sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveSpeakers tracks the size of the speaker registry.
	ActiveSpeakers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized
// for network round trips in the transcription path.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ChunkSendDuration, err = m.Float64Histogram("friday.chunk.send.duration",
		metric.WithDescription("Latency of one chunk send on the persistent connection."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BatchRequestDuration, err = m.Float64Histogram("friday.batch.request.duration",
		metric.WithDescription("Latency of one batched recognize request."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesCaptured, err = m.Int64Counter("friday.frames.captured",
		metric.WithDescription("Total audio frames received from capture, by backend."),
	); err != nil {
		return nil, err
	}
	if met.ChunksSent, err = m.Int64Counter("friday.chunks.sent",
		metric.WithDescription("Total audio chunks handed to the transport, by strategy."),
	); err != nil {
		return nil, err
	}
	if met.BytesSent, err = m.Int64Counter("friday.bytes.sent",
		metric.WithDescription("Total audio payload bytes handed to the transport."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ResultsReceived, err = m.Int64Counter("friday.results.received",
		metric.WithDescription("Total transcription results by kind."),
	); err != nil {
		return nil, err
	}
	if met.OverflowFlushes, err = m.Int64Counter("friday.accumulator.overflow_flushes",
		metric.WithDescription("Forced flushes caused by the pending-frame cap."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.TransportErrors, err = m.Int64Counter("friday.transport.errors",
		metric.WithDescription("Total transport errors by strategy and class."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("friday.active_sessions",
		metric.WithDescription("Number of live transcription sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSpeakers, err = m.Int64UpDownCounter("friday.active_speakers",
		metric.WithDescription("Size of the active speaker registry."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("friday.http.request.duration",
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen
// with the global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity
// at call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordChunkSent records one chunk handed to the transport, with its
// payload size.
func (m *Metrics) RecordChunkSent(ctx context.Context, strategy string, bytes int) {
	attrs := metric.WithAttributes(attribute.String("strategy", strategy))
	m.ChunksSent.Add(ctx, 1, attrs)
	m.BytesSent.Add(ctx, int64(bytes), attrs)
}

// RecordResult records one received transcription result.
func (m *Metrics) RecordResult(ctx context.Context, final bool) {
	kind := "partial"
	if final {
		kind = "final"
	}
	m.ResultsReceived.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordTransportError records one transport error by strategy and class.
func (m *Metrics) RecordTransportError(ctx context.Context, strategy, class string) {
	m.TransportErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("strategy", strategy),
			attribute.String("class", class),
		),
	)
}
