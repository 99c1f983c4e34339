// Package observe provides application-wide observability primitives for
// Parley: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all Parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SetupDuration tracks how long a conversation path took to open. Use with
	// attribute.String("path", "remote"|"fallback") and attribute.String("status", ...).
	SetupDuration metric.Float64Histogram

	// LLMDuration tracks fallback responder latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks time from speak request to first audio.
	TTSDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// Utterances counts transcript appends. Use with attributes:
	//   attribute.String("role", ...), attribute.String("path", ...)
	Utterances metric.Int64Counter

	// EchoRejections counts candidate user utterances dropped as self-echo.
	// Use with attribute.String("reason", ...).
	EchoRejections metric.Int64Counter

	// Demotions counts remote-to-fallback demotions during session start.
	// Use with attribute.String("reason", ...).
	Demotions metric.Int64Counter

	// RecognizerRestarts counts local recognizer stream restarts. Use with
	// attribute.String("cause", "natural"|"transient"|"retry").
	RecognizerRestarts metric.Int64Counter

	// ConnectionLosses counts mid-session transport failures.
	ConnectionLosses metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes of local
	// engines. Attributes: engine, state (the state entered).
	BreakerTransitions metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live conversation sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-session latencies.
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
	if met.SetupDuration, err = m.Float64Histogram("parley.session.setup.duration",
		metric.WithDescription("Latency of opening a conversation path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("parley.llm.duration",
		metric.WithDescription("Latency of fallback LLM completions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("parley.tts.duration",
		metric.WithDescription("Latency from speak request to first synthesized audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("parley.provider.requests",
		metric.WithDescription("Total provider requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("parley.transcript.utterances",
		metric.WithDescription("Total transcript utterances by role and path."),
	); err != nil {
		return nil, err
	}
	if met.EchoRejections, err = m.Int64Counter("parley.echo.rejections",
		metric.WithDescription("Candidate user utterances rejected as self-echo, by reason."),
	); err != nil {
		return nil, err
	}
	if met.Demotions, err = m.Int64Counter("parley.session.demotions",
		metric.WithDescription("Sessions demoted from the remote path to the local fallback, by reason."),
	); err != nil {
		return nil, err
	}
	if met.RecognizerRestarts, err = m.Int64Counter("parley.recognizer.restarts",
		metric.WithDescription("Local recognizer stream restarts by cause."),
	); err != nil {
		return nil, err
	}
	if met.ConnectionLosses, err = m.Int64Counter("parley.session.connection_losses",
		metric.WithDescription("Mid-session remote transport failures."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("parley.engine.breaker_transitions",
		metric.WithDescription("Circuit breaker state changes of local engines, by engine and entered state."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("parley.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Number of live conversation sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
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

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordSetup records how long opening path took.
func (m *Metrics) RecordSetup(ctx context.Context, path, status string, seconds float64) {
	m.SetupDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("path", path),
			attribute.String("status", status),
		),
	)
}

// RecordUtterance records one transcript append.
func (m *Metrics) RecordUtterance(ctx context.Context, role, path string) {
	m.Utterances.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("role", role),
			attribute.String("path", path),
		),
	)
}

// RecordEchoRejection records one utterance dropped by the echo filter.
func (m *Metrics) RecordEchoRejection(ctx context.Context, reason string) {
	m.EchoRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordDemotion records one fallback demotion.
func (m *Metrics) RecordDemotion(ctx context.Context, reason string) {
	m.Demotions.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordBreakerTransition records engine's breaker entering state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, engine, state string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("engine", engine),
		attribute.String("state", state),
	))
}

// RecordRecognizerRestart records one recognizer stream restart.
func (m *Metrics) RecordRecognizerRestart(ctx context.Context, cause string) {
	m.RecognizerRestarts.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", cause)))
}
