// Package observe provides application-wide observability primitives for
// Voxweave: OpenTelemetry metric instruments and the provider wiring that
// exposes them through a Prometheus /metrics endpoint.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
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

// meterName is the instrumentation scope name used for all Voxweave metrics.
const meterName = "github.com/voxweave/voxweave"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ListenDuration tracks the wall-clock length of listening sessions.
	ListenDuration metric.Float64Histogram

	// SpeakDuration tracks the wall-clock length of synthesis utterances.
	SpeakDuration metric.Float64Histogram

	// --- Counters ---

	// Errors counts classified errors. Use with attributes:
	//   attribute.String("category", ...), attribute.String("severity", ...)
	Errors metric.Int64Counter

	// Retries counts recovery retries. Use with attribute:
	//   attribute.String("kind", ...)
	Retries metric.Int64Counter

	// RateLimitDenials counts admissions refused by the rate limiter. Use
	// with attribute: attribute.String("operation", ...)
	RateLimitDenials metric.Int64Counter

	// FallbackEntries counts transitions into text-input fallback.
	FallbackEntries metric.Int64Counter

	// QualityAssessments counts quality verdicts. Use with attribute:
	//   attribute.String("tier", ...)
	QualityAssessments metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveHandles tracks live engine handles. Use with attribute:
	//   attribute.String("kind", ...)
	ActiveHandles metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// sub-second synthesis up to the 30 s listening ceiling.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ListenDuration, err = m.Float64Histogram("voxweave.listen.duration",
		metric.WithDescription("Wall-clock length of listening sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SpeakDuration, err = m.Float64Histogram("voxweave.speak.duration",
		metric.WithDescription("Wall-clock length of synthesis utterances."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Errors, err = m.Int64Counter("voxweave.errors",
		metric.WithDescription("Classified errors by category and severity."),
	); err != nil {
		return nil, err
	}
	if met.Retries, err = m.Int64Counter("voxweave.retries",
		metric.WithDescription("Recovery retries by kind."),
	); err != nil {
		return nil, err
	}
	if met.RateLimitDenials, err = m.Int64Counter("voxweave.ratelimit.denials",
		metric.WithDescription("Admissions refused by the rate limiter, by operation."),
	); err != nil {
		return nil, err
	}
	if met.FallbackEntries, err = m.Int64Counter("voxweave.fallback.entries",
		metric.WithDescription("Transitions into text-input fallback."),
	); err != nil {
		return nil, err
	}
	if met.QualityAssessments, err = m.Int64Counter("voxweave.quality.assessments",
		metric.WithDescription("Audio quality verdicts by tier."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxweave.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveHandles, err = m.Int64UpDownCounter("voxweave.active_handles",
		metric.WithDescription("Live engine handles by kind."),
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

// RecordError records a classified error with the standard attribute set.
func (m *Metrics) RecordError(ctx context.Context, category, severity string) {
	m.Errors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("category", category),
			attribute.String("severity", severity),
		),
	)
}

// RecordRetry records one recovery retry by kind.
func (m *Metrics) RecordRetry(ctx context.Context, kind string) {
	m.Retries.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordDenial records one rate-limiter denial by operation.
func (m *Metrics) RecordDenial(ctx context.Context, operation string) {
	m.RateLimitDenials.Add(ctx, 1,
		metric.WithAttributes(attribute.String("operation", operation)),
	)
}

// RecordQuality records one quality verdict by tier.
func (m *Metrics) RecordQuality(ctx context.Context, tier string) {
	m.QualityAssessments.Add(ctx, 1,
		metric.WithAttributes(attribute.String("tier", tier)),
	)
}

// RecordListenDuration records the wall-clock length of one listening session.
func (m *Metrics) RecordListenDuration(ctx context.Context, d time.Duration) {
	m.ListenDuration.Record(ctx, d.Seconds())
}

// RecordSpeakDuration records the wall-clock length of one utterance.
func (m *Metrics) RecordSpeakDuration(ctx context.Context, d time.Duration) {
	m.SpeakDuration.Record(ctx, d.Seconds())
}
