// Package observe provides application-wide observability primitives for
// Voxline: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Voxline metrics.
const meterName = "github.com/MrWong99/voxline"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks end-to-end dialogue turn latency. Attributes:
	//   attribute.String("mode", ...), attribute.String("outcome", ...)
	TurnDuration metric.Float64Histogram

	// LLMDuration tracks text-generation latency.
	LLMDuration metric.Float64Histogram

	// SpecialFunctionDuration tracks special-function handler latency.
	SpecialFunctionDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// SpecialFunctionCalls counts special-function invocations. Attributes:
	//   attribute.String("function", ...), attribute.String("status", ...)
	SpecialFunctionCalls metric.Int64Counter

	// ModeChanges counts committed personality switches. Attribute:
	//   attribute.String("mode", ...)
	ModeChanges metric.Int64Counter

	// SessionsClosed counts dialogue sessions leaving the live table. Attribute:
	//   attribute.String("reason", ...)
	SessionsClosed metric.Int64Counter

	// AgentStarts counts agent start attempts. Attributes:
	//   attribute.String("kind", ...), attribute.String("status", ...)
	AgentStarts metric.Int64Counter

	// AgentExits counts terminal agent transitions. Attribute:
	//   attribute.String("status", ...)
	AgentExits metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live dialogue sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveAgents tracks the number of non-terminal supervised agents.
	ActiveAgents metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for conversational latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histogram := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}

	// Histograms.
	if met.TurnDuration, err = histogram("voxline.turn.duration",
		"Latency of a full dialogue turn."); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = histogram("voxline.llm.duration",
		"Latency of text generation."); err != nil {
		return nil, err
	}
	if met.SpecialFunctionDuration, err = histogram("voxline.special_function.duration",
		"Latency of special-function handlers."); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("voxline.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voxline.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.SpecialFunctionCalls, err = m.Int64Counter("voxline.special_function.calls",
		metric.WithDescription("Total special-function invocations by function and status."),
	); err != nil {
		return nil, err
	}
	if met.ModeChanges, err = m.Int64Counter("voxline.mode.changes",
		metric.WithDescription("Total committed personality switches by target mode."),
	); err != nil {
		return nil, err
	}
	if met.SessionsClosed, err = m.Int64Counter("voxline.sessions.closed",
		metric.WithDescription("Total closed dialogue sessions by reason."),
	); err != nil {
		return nil, err
	}
	if met.AgentStarts, err = m.Int64Counter("voxline.agent.starts",
		metric.WithDescription("Total agent start attempts by kind and status."),
	); err != nil {
		return nil, err
	}
	if met.AgentExits, err = m.Int64Counter("voxline.agent.exits",
		metric.WithDescription("Total terminal agent transitions by status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxline.active_sessions",
		metric.WithDescription("Number of live dialogue sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveAgents, err = m.Int64UpDownCounter("voxline.active_agents",
		metric.WithDescription("Number of non-terminal supervised agents."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxline.http.request.duration",
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordSpecialFunction records one special-function invocation and its latency.
func (m *Metrics) RecordSpecialFunction(ctx context.Context, function, status string, d time.Duration) {
	m.SpecialFunctionCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("function", function),
			attribute.String("status", status),
		),
	)
	m.SpecialFunctionDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("function", function)),
	)
}

// RecordModeChange records a committed personality switch.
func (m *Metrics) RecordModeChange(ctx context.Context, mode string) {
	m.ModeChanges.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

// RecordTurn records the latency of one dialogue turn.
func (m *Metrics) RecordTurn(ctx context.Context, mode, outcome string, d time.Duration) {
	m.TurnDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordAgentStart records an agent start attempt.
func (m *Metrics) RecordAgentStart(ctx context.Context, kind, status string) {
	m.AgentStarts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordAgentExit records a terminal agent transition.
func (m *Metrics) RecordAgentExit(ctx context.Context, status string) {
	m.AgentExits.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordSessionClosed records a dialogue session leaving the live table.
func (m *Metrics) RecordSessionClosed(ctx context.Context, reason string) {
	m.SessionsClosed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
