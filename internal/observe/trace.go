package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/Yagasaki7K/dualspeaker"

// Span and resource attribute keys.
const (
	AttrRoomID           = attribute.Key("dualspeaker.room_id")
	AttrRole             = attribute.Key("dualspeaker.role")
	AttrSignalingBackend = attribute.Key("dualspeaker.signaling.backend")
	AttrSignalingServe   = attribute.Key("dualspeaker.signaling.serve")
)

// Span names of the room operations.
const (
	SpanCreateRoom = "session.CreateRoom"
	SpanJoinRoom   = "session.JoinRoom"
	SpanLeaveRoom  = "session.LeaveRoom"
)

// Tracer returns the dualspeaker tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on [Tracer]. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartRoomSpan starts the span of a room operation, tagged with the room
// and the local role. Empty values are omitted.
func StartRoomSpan(ctx context.Context, name, roomID, role string) (context.Context, trace.Span) {
	var attrs []attribute.KeyValue
	if roomID != "" {
		attrs = append(attrs, AttrRoomID.String(roomID))
	}
	if role != "" {
		attrs = append(attrs, AttrRole.String(role))
	}
	return StartSpan(ctx, name, trace.WithAttributes(attrs...))
}

// FailSpan marks span as failed with err. A nil err is ignored.
func FailSpan(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// CorrelationID returns the trace ID of the span in ctx, or "" without one.
// The control API sends it back as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns base with trace_id and span_id of the span in ctx. A nil
// base selects slog.Default().
func Logger(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return base
	}
	return base.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
