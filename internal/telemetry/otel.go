package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/jdillenkofer/strato/internal/settings"
)

const (
	ExporterOtlp   = "otlp"
	ExporterStdout = "stdout"
)

var errUnknownExporter = errors.New("unknown otel exporter")

// Tracing owns the tracer provider installed by SetupTracing. The zero
// value is disabled tracing.
type Tracing struct {
	provider *trace.TracerProvider
}

func (t *Tracing) Enabled() bool {
	return t.provider != nil
}

// Shutdown flushes the spans of pipeline steps and backend ops that are
// still batched.
func (t *Tracing) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	err := t.provider.Shutdown(ctx)
	t.provider = nil
	return err
}

// SetupTracing installs the global tracer provider. Spans carry instanceId
// as service.instance.id, which is the id ledger records are written with.
// Without a configured exporter the global no-op provider stays in place.
func SetupTracing(ctx context.Context, s *settings.Settings, instanceId string) (*Tracing, error) {
	if s.OtelExporter() == "" {
		return &Tracing{}, nil
	}

	exporter, err := newSpanExporter(ctx, s)
	if err != nil {
		return nil, err
	}
	res, err := newResource(ctx, instanceId)
	if err != nil {
		return nil, errors.Join(err, exporter.Shutdown(ctx))
	}

	provider := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(s.OtelSampleRatio()))),
	)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetTracerProvider(provider)
	slog.Info(fmt.Sprintf("Exporting traces via %s with sample ratio %.2f", s.OtelExporter(), s.OtelSampleRatio()))
	return &Tracing{provider: provider}, nil
}

func newSpanExporter(ctx context.Context, s *settings.Settings) (trace.SpanExporter, error) {
	switch s.OtelExporter() {
	case ExporterOtlp:
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(s.OtelEndpoint()), otlptracehttp.WithInsecure())
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	return nil, fmt.Errorf("%w: %s", errUnknownExporter, s.OtelExporter())
}

func newResource(ctx context.Context, instanceId string) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName("strato"),
			semconv.ServiceInstanceID(instanceId),
		),
		resource.WithFromEnv(),
	)
	if errors.Is(err, resource.ErrPartialResource) || errors.Is(err, resource.ErrSchemaURLConflict) {
		slog.Warn(fmt.Sprintf("Incomplete OpenTelemetry resource: %s", err))
		return res, nil
	}
	return res, err
}
