package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracerProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

func TestStartRoomSpan_TagsRoomAndRole(t *testing.T) {
	_, _, exp := testSetup(t)

	ctx, span := StartRoomSpan(context.Background(), SpanCreateRoom, "alpha", "creator")
	if CorrelationID(ctx) == "" {
		t.Error("room span has no trace id")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	s := spans[0]
	if s.Name != "session.CreateRoom" {
		t.Errorf("span name = %q, want session.CreateRoom", s.Name)
	}
	if got, _ := spanAttr(s, "dualspeaker.room_id"); got != "alpha" {
		t.Errorf("room attribute = %q, want alpha", got)
	}
	if got, _ := spanAttr(s, "dualspeaker.role"); got != "creator" {
		t.Errorf("role attribute = %q, want creator", got)
	}
}

func TestStartRoomSpan_OmitsEmptyValues(t *testing.T) {
	_, _, exp := testSetup(t)

	_, span := StartRoomSpan(context.Background(), SpanLeaveRoom, "", "")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if n := len(spans[0].Attributes); n != 0 {
		t.Errorf("leave span without a session has %d attributes, want 0", n)
	}
}

func TestStartRoomSpan_NestsUnderRequest(t *testing.T) {
	_, _, exp := testSetup(t)

	reqCtx, req := StartSpan(context.Background(), "HTTP POST /rooms/{roomID}")
	_, join := StartRoomSpan(reqCtx, SpanJoinRoom, "beta", "joiner")
	join.End()
	req.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	child, parent := spans[0], spans[1]
	if child.Parent.SpanID() != parent.SpanContext.SpanID() {
		t.Error("join span is not a child of the request span")
	}
	if child.SpanContext.TraceID() != parent.SpanContext.TraceID() {
		t.Error("join span does not share the request trace")
	}
}

func TestFailSpan(t *testing.T) {
	_, _, exp := testSetup(t)

	_, ok := StartSpan(context.Background(), "ok")
	FailSpan(ok, nil)
	ok.End()

	_, failed := StartSpan(context.Background(), "failed")
	FailSpan(failed, errors.New("session: room not found"))
	failed.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	if spans[0].Status.Code != codes.Unset {
		t.Errorf("nil error set status %v", spans[0].Status.Code)
	}
	if spans[1].Status.Code != codes.Error || spans[1].Status.Description != "session: room not found" {
		t.Errorf("failed span status = %+v", spans[1].Status)
	}
	if len(spans[1].Events) != 1 {
		t.Errorf("failed span has %d events, want the recorded error", len(spans[1].Events))
	}
}

func TestCorrelationID_EmptyByDefault(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}
}

func TestCorrelationID_Unique(t *testing.T) {
	tp, _ := newTestTracerProvider(t)
	tracer := tp.Tracer("test")

	ids := make(map[string]struct{}, 100)
	for range 100 {
		ctx, span := tracer.Start(context.Background(), "request")
		cid := CorrelationID(ctx)
		span.End()
		if _, dup := ids[cid]; dup {
			t.Fatalf("duplicate correlation ID: %s", cid)
		}
		ids[cid] = struct{}{}
	}
}

func TestLogger_EnrichesBase(t *testing.T) {
	tp, _ := newTestTracerProvider(t)

	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil)).With("component", "session")

	ctx, span := tp.Tracer("test").Start(context.Background(), "session.JoinRoom")
	defer span.End()
	Logger(ctx, base).Info("session: room joined")

	out := buf.String()
	for _, want := range []string{"component=session", "trace_id=" + CorrelationID(ctx), "span_id="} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}

func TestLogger_NoSpanReturnsBase(t *testing.T) {
	base := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	if got := Logger(context.Background(), base); got != base {
		t.Error("Logger without a span did not return the base logger")
	}
}

func TestLogger_NilBaseUsesDefault(t *testing.T) {
	if got := Logger(context.Background(), nil); got != slog.Default() {
		t.Error("Logger(nil) did not return slog.Default()")
	}
}
