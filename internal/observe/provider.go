package observe

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// DefaultServiceName is reported when [ProviderConfig.ServiceName] is empty.
const DefaultServiceName = "dualspeaker"

// ProviderConfig configures [InitProvider].
type ProviderConfig struct {
	ServiceName    string
	ServiceVersion string

	// SignalingBackend names the configured store backend (memory,
	// websocket or postgres). It is attached to every metric and span.
	SignalingBackend string

	// Serving reports whether this process also serves its store to
	// remote parties.
	Serving bool

	// TraceExporter receives finished spans. Nil keeps spans in process
	// only, which still gives logs and responses their correlation ids.
	TraceExporter sdktrace.SpanExporter
}

// NewResource describes this party: service name and version plus the
// signaling backend it talks to.
func NewResource(cfg ProviderConfig) (*resource.Resource, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		AttrSignalingServe.Bool(cfg.Serving),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	if cfg.SignalingBackend != "" {
		attrs = append(attrs, AttrSignalingBackend.String(cfg.SignalingBackend))
	}
	return resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
}

// InitProvider installs global meter and tracer providers. Metrics are
// exported through the Prometheus default registry that /metrics serves.
// The returned function flushes and shuts both providers down.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	res, err := NewResource(cfg)
	if err != nil {
		return nil, err
	}

	promExp, err := promexporter.New()
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
