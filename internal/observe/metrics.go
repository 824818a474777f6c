// Package observe provides application-wide observability primitives for
// Voicefront: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Voicefront metrics.
const meterName = "github.com/voicefront/voicefront"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// NegotiationDuration tracks upstream session establishment latency,
	// credential issuance through readiness. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	NegotiationDuration metric.Float64Histogram

	// SessionDuration tracks the wall-clock length of completed calls. Use
	// with attribute: attribute.String("transport", ...)
	SessionDuration metric.Float64Histogram

	// EnvelopesRelayed counts envelopes crossing the bridge. Use with
	// attributes:
	//   attribute.String("direction", "upstream"|"downstream"), attribute.String("type", ...)
	EnvelopesRelayed metric.Int64Counter

	// UpstreamErrors counts error envelopes reported by the engine.
	UpstreamErrors metric.Int64Counter

	// CredentialFailures counts refused session-issuance calls.
	CredentialFailures metric.Int64Counter

	// ActiveSessions tracks the number of live calls. Use with attribute:
	//   attribute.String("transport", ...)
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// negotiation and request latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets defines histogram bucket boundaries (in seconds) for call
// lengths, which run seconds to an hour rather than milliseconds.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.NegotiationDuration, err = m.Float64Histogram("voicefront.negotiation.duration",
		metric.WithDescription("Latency of upstream session establishment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("voicefront.session.duration",
		metric.WithDescription("Wall-clock length of completed calls by transport."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.EnvelopesRelayed, err = m.Int64Counter("voicefront.envelopes.relayed",
		metric.WithDescription("Total envelopes relayed by direction and type."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamErrors, err = m.Int64Counter("voicefront.upstream.errors",
		metric.WithDescription("Total error envelopes reported by the engine."),
	); err != nil {
		return nil, err
	}
	if met.CredentialFailures, err = m.Int64Counter("voicefront.credential.failures",
		metric.WithDescription("Total refused session-issuance calls."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicefront.active_sessions",
		metric.WithDescription("Number of live calls by transport."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicefront.http.request.duration",
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

// RecordSessionStart increments the active-session gauge for a transport.
func (m *Metrics) RecordSessionStart(ctx context.Context, transport string) {
	m.ActiveSessions.Add(ctx, 1,
		metric.WithAttributes(Attr("transport", transport)),
	)
}

// RecordSessionEnd decrements the active-session gauge and records the call
// length.
func (m *Metrics) RecordSessionEnd(ctx context.Context, transport string, length time.Duration) {
	m.ActiveSessions.Add(ctx, -1,
		metric.WithAttributes(Attr("transport", transport)),
	)
	m.SessionDuration.Record(ctx, length.Seconds(),
		metric.WithAttributes(Attr("transport", transport)),
	)
}

// RecordNegotiation records one upstream establishment attempt.
func (m *Metrics) RecordNegotiation(ctx context.Context, d time.Duration, status string) {
	m.NegotiationDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(Attr("status", status)),
	)
}

// RecordCredentialFailure counts one refused session-issuance call.
func (m *Metrics) RecordCredentialFailure(ctx context.Context, transport string) {
	m.CredentialFailures.Add(ctx, 1,
		metric.WithAttributes(Attr("transport", transport)),
	)
}
