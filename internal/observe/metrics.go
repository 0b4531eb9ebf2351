// Package observe provides application-wide observability primitives for
// dualspeaker: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all dualspeaker metrics.
const meterName = "github.com/Yagasaki7K/dualspeaker"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// NegotiationDuration tracks the time from create/join to the offer or
	// answer being published. Use with attributes:
	//   attribute.String("role", ...), attribute.String("result", ...)
	NegotiationDuration metric.Float64Histogram

	// SignalingDuration tracks signaling store call latency. Use with
	// attribute:
	//   attribute.String("op", ...)
	SignalingDuration metric.Float64Histogram

	// --- Counters ---

	// Sessions counts create/join attempts. Use with attributes:
	//   attribute.String("role", ...), attribute.String("result", ...)
	Sessions metric.Int64Counter

	// ConnectionStates counts endpoint connection state transitions. Use
	// with attribute:
	//   attribute.String("state", ...)
	ConnectionStates metric.Int64Counter

	// SignalingOps counts signaling store calls. Use with attributes:
	//   attribute.String("op", ...), attribute.String("status", ...)
	SignalingOps metric.Int64Counter

	// CandidatesRelayed counts ICE candidates. Use with attribute:
	//   attribute.String("direction", "local"|"remote")
	CandidatesRelayed metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live peer sessions.
	ActiveSessions metric.Int64UpDownCounter

	// Participants tracks the participant count of the current room.
	Participants metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// signaling round trips and negotiation.
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
	if met.NegotiationDuration, err = m.Float64Histogram("dualspeaker.negotiation.duration",
		metric.WithDescription("Time from create/join to the published offer or answer."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SignalingDuration, err = m.Float64Histogram("dualspeaker.signaling.duration",
		metric.WithDescription("Latency of signaling store operations."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Sessions, err = m.Int64Counter("dualspeaker.sessions",
		metric.WithDescription("Total create/join attempts by role and result."),
	); err != nil {
		return nil, err
	}
	if met.ConnectionStates, err = m.Int64Counter("dualspeaker.connection.state_changes",
		metric.WithDescription("Endpoint connection state transitions by state."),
	); err != nil {
		return nil, err
	}
	if met.SignalingOps, err = m.Int64Counter("dualspeaker.signaling.operations",
		metric.WithDescription("Total signaling store operations by op and status."),
	); err != nil {
		return nil, err
	}
	if met.CandidatesRelayed, err = m.Int64Counter("dualspeaker.candidates.relayed",
		metric.WithDescription("ICE candidates published (local) or applied (remote)."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("dualspeaker.active_sessions",
		metric.WithDescription("Number of live peer sessions."),
	); err != nil {
		return nil, err
	}
	if met.Participants, err = m.Int64UpDownCounter("dualspeaker.participants",
		metric.WithDescription("Participants registered in the current room."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("dualspeaker.http.request.duration",
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

// RecordNegotiation records one create/join attempt and its duration.
func (m *Metrics) RecordNegotiation(ctx context.Context, role, result string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("role", role),
		attribute.String("result", result),
	)
	m.Sessions.Add(ctx, 1, attrs)
	m.NegotiationDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordConnectionState records an endpoint connection state transition.
func (m *Metrics) RecordConnectionState(ctx context.Context, state string) {
	m.ConnectionStates.Add(ctx, 1,
		metric.WithAttributes(attribute.String("state", state)),
	)
}

// RecordSignalingOp records one signaling store call.
func (m *Metrics) RecordSignalingOp(ctx context.Context, op, status string, d time.Duration) {
	m.SignalingOps.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
	m.SignalingDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("op", op)),
	)
}

// RecordCandidates records n ICE candidates relayed in direction.
func (m *Metrics) RecordCandidates(ctx context.Context, direction string, n int) {
	if n <= 0 {
		return
	}
	m.CandidatesRelayed.Add(ctx, int64(n),
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}
