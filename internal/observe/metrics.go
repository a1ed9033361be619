// Package observe provides application-wide observability primitives for
// abby: OpenTelemetry metrics, tracing, and HTTP middleware that ties them
// together.
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

// meterName is the instrumentation scope name used for all abby metrics.
const meterName = "github.com/boristopalov/abby"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// OSCQueryDuration tracks DAW query round-trip latency. Use with
	// attribute.String("address", ...).
	OSCQueryDuration metric.Float64Histogram

	// IndexDuration tracks full mixer enumeration latency.
	IndexDuration metric.Float64Histogram

	// LLMDuration tracks LLM inference latency per streamed model turn.
	LLMDuration metric.Float64Histogram

	// ToolExecutionDuration tracks agent tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// OSCTimeouts counts DAW queries that timed out, by address.
	OSCTimeouts metric.Int64Counter

	// ParameterChanges counts committed (debounced) parameter change records.
	ParameterChanges metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// AgentTurns counts completed agent turns by status.
	AgentTurns metric.Int64Counter

	// ProviderErrors counts LLM provider errors by provider name.
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of connected client sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ObservedParameters tracks the number of parameters with an active
	// change subscription.
	ObservedParameters metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). OSC round
// trips sit in the low milliseconds; LLM turns reach tens of seconds.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.OSCQueryDuration, err = m.Float64Histogram("abby.osc.query.duration",
		metric.WithDescription("Round-trip latency of DAW OSC queries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.IndexDuration, err = m.Float64Histogram("abby.index.duration",
		metric.WithDescription("Latency of full mixer enumeration."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("abby.llm.duration",
		metric.WithDescription("Latency of LLM inference per model turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("abby.tool_execution.duration",
		metric.WithDescription("Latency of agent tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.OSCTimeouts, err = m.Int64Counter("abby.osc.timeouts",
		metric.WithDescription("Total DAW queries that timed out, by address."),
	); err != nil {
		return nil, err
	}
	if met.ParameterChanges, err = m.Int64Counter("abby.parameter.changes",
		metric.WithDescription("Total committed parameter change records."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("abby.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.AgentTurns, err = m.Int64Counter("abby.agent.turns",
		metric.WithDescription("Total completed agent turns by status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("abby.provider.errors",
		metric.WithDescription("Total LLM provider errors by provider."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("abby.active_sessions",
		metric.WithDescription("Number of connected client sessions."),
	); err != nil {
		return nil, err
	}
	if met.ObservedParameters, err = m.Int64UpDownCounter("abby.observed_parameters",
		metric.WithDescription("Number of parameters with an active change subscription."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("abby.http.request.duration",
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

// RecordOSCQuery records the latency of one DAW query round trip.
func (m *Metrics) RecordOSCQuery(ctx context.Context, address string, d time.Duration) {
	m.OSCQueryDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("address", address)),
	)
}

// RecordOSCTimeout records a DAW query that gave up waiting for a reply.
func (m *Metrics) RecordOSCTimeout(ctx context.Context, address string) {
	m.OSCTimeouts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("address", address)),
	)
}

// RecordToolExecution records the latency of one tool execution.
func (m *Metrics) RecordToolExecution(ctx context.Context, tool string, d time.Duration) {
	m.ToolExecutionDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("tool", tool)),
	)
}

// RecordToolCall records a tool call counter increment with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordAgentTurn records a completed agent turn with its latency.
func (m *Metrics) RecordAgentTurn(ctx context.Context, status string, d time.Duration) {
	m.AgentTurns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
	m.LLMDuration.Record(ctx, d.Seconds())
}

// RecordProviderError records an LLM provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}
