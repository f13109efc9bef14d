// Package observe provides application-wide observability primitives for
// Cassette: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
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

// meterName is the instrumentation scope name used for all Cassette metrics.
const meterName = "github.com/ryliehm/cassette"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Counters ---

	// FramesReceived counts audio frames delivered by capture adapters,
	// across all scopes and speakers.
	FramesReceived metric.Int64Counter

	// FramesDropped counts frames discarded by the engine. Use with
	// attribute: attribute.String("reason", ...) — one of "overflow",
	// "late", "out_of_order".
	FramesDropped metric.Int64Counter

	// SilenceSynthesized counts gap-filler packets written to finished
	// recordings.
	SilenceSynthesized metric.Int64Counter

	// BytesWritten counts container bytes flushed to finished recordings.
	BytesWritten metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live recordings.
	ActiveSessions metric.Int64UpDownCounter

	// --- Latency histograms ---

	// FinalizeDuration tracks how long a Stop takes to drain and close the
	// container.
	FinalizeDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// finalization, which drains up to the holdback window plus file flushes.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.FramesReceived, err = m.Int64Counter("cassette.frames.received",
		metric.WithDescription("Total audio frames delivered by capture adapters."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("cassette.frames.dropped",
		metric.WithDescription("Total frames discarded by the engine, by reason."),
	); err != nil {
		return nil, err
	}
	if met.SilenceSynthesized, err = m.Int64Counter("cassette.silence.synthesized",
		metric.WithDescription("Total gap-filler packets written to recordings."),
	); err != nil {
		return nil, err
	}
	if met.BytesWritten, err = m.Int64Counter("cassette.bytes.written",
		metric.WithDescription("Total container bytes flushed to finished recordings."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("cassette.active_sessions",
		metric.WithDescription("Number of live recordings."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.FinalizeDuration, err = m.Float64Histogram("cassette.finalize.duration",
		metric.WithDescription("Latency of recording finalization."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("cassette.http.request.duration",
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

// RecordDropped is a convenience method that adds to the dropped-frame
// counter with the standard reason attribute. Zero counts are skipped so
// scrape output only carries reasons that actually occurred.
func (m *Metrics) RecordDropped(ctx context.Context, reason string, n int64) {
	if n == 0 {
		return
	}
	m.FramesDropped.Add(ctx, n,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}
