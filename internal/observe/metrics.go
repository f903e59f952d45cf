// Package observe provides application-wide observability primitives for
// Pulsegate: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Pulsegate metrics.
const meterName = "github.com/medrill/pulsegate"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TickDuration tracks how long one heartbeat tick holds the session lock.
	TickDuration metric.Float64Histogram

	// CommandDuration tracks presenter voice-command handling latency.
	CommandDuration metric.Float64Histogram

	// AnalysisDuration tracks debrief generation latency.
	AnalysisDuration metric.Float64Histogram

	// --- Counters ---

	// MessagesIn counts inbound client messages. Use with attribute:
	//   attribute.String("type", ...)
	MessagesIn metric.Int64Counter

	// ToolIntents counts model tool intents by gate outcome. Use with attributes:
	//   attribute.String("intent", ...), attribute.String("outcome", ...)
	ToolIntents metric.Int64Counter

	// Orders counts clinical orders. Use with attributes:
	//   attribute.String("order_type", ...), attribute.String("status", ...)
	Orders metric.Int64Counter

	// Treatments counts applied treatment orders. Use with attribute:
	//   attribute.String("kind", ...)
	Treatments metric.Int64Counter

	// CharacterLines counts scripted and voiced character lines. Use with attribute:
	//   attribute.String("character", ...)
	CharacterLines metric.Int64Counter

	// --- Error counters ---

	// UpstreamErrors counts failures of external collaborators. Use with attributes:
	//   attribute.String("system", ...), attribute.String("kind", ...)
	UpstreamErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live simulation sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveClients tracks the number of connected websocket clients across
	// all sessions.
	ActiveClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for lock-held work and upstream round trips.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TickDuration, err = m.Float64Histogram("pulsegate.tick.duration",
		metric.WithDescription("Time one heartbeat tick holds the session lock."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CommandDuration, err = m.Float64Histogram("pulsegate.command.duration",
		metric.WithDescription("Latency of presenter voice-command handling."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AnalysisDuration, err = m.Float64Histogram("pulsegate.analysis.duration",
		metric.WithDescription("Latency of debrief generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.MessagesIn, err = m.Int64Counter("pulsegate.messages.in",
		metric.WithDescription("Total inbound client messages by type."),
	); err != nil {
		return nil, err
	}
	if met.ToolIntents, err = m.Int64Counter("pulsegate.tool.intents",
		metric.WithDescription("Total model tool intents by intent type and gate outcome."),
	); err != nil {
		return nil, err
	}
	if met.Orders, err = m.Int64Counter("pulsegate.orders",
		metric.WithDescription("Total clinical orders by order type and status."),
	); err != nil {
		return nil, err
	}
	if met.Treatments, err = m.Int64Counter("pulsegate.treatments",
		metric.WithDescription("Total applied treatment orders by kind."),
	); err != nil {
		return nil, err
	}
	if met.CharacterLines, err = m.Int64Counter("pulsegate.character.lines",
		metric.WithDescription("Total character lines delivered by character id."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.UpstreamErrors, err = m.Int64Counter("pulsegate.upstream.errors",
		metric.WithDescription("Total upstream failures by system and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("pulsegate.active_sessions",
		metric.WithDescription("Number of live simulation sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveClients, err = m.Int64UpDownCounter("pulsegate.active_clients",
		metric.WithDescription("Number of connected websocket clients across all sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("pulsegate.http.request.duration",
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

// RecordMessage is a convenience method that counts one inbound client
// message of the given type.
func (m *Metrics) RecordMessage(ctx context.Context, msgType string) {
	m.MessagesIn.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", msgType)),
	)
}

// RecordIntent is a convenience method that counts one tool intent with its
// gate outcome ("approved", "rejected", "failed").
func (m *Metrics) RecordIntent(ctx context.Context, intent, outcome string) {
	m.ToolIntents.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("intent", intent),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordOrder is a convenience method that counts one clinical order with its
// status ("created", "duplicate", "completed").
func (m *Metrics) RecordOrder(ctx context.Context, orderType, status string) {
	m.Orders.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("order_type", orderType),
			attribute.String("status", status),
		),
	)
}

// RecordTreatment is a convenience method that counts one applied treatment.
func (m *Metrics) RecordTreatment(ctx context.Context, kind string) {
	m.Treatments.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordCharacterLine is a convenience method that counts one delivered
// character line.
func (m *Metrics) RecordCharacterLine(ctx context.Context, character string) {
	m.CharacterLines.Add(ctx, 1,
		metric.WithAttributes(attribute.String("character", character)),
	)
}

// RecordUpstreamError is a convenience method that counts one upstream
// failure. System names the collaborator ("voice", "llm", "store"); kind the
// failure class.
func (m *Metrics) RecordUpstreamError(ctx context.Context, system, kind string) {
	m.UpstreamErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("system", system),
			attribute.String("kind", kind),
		),
	)
}
