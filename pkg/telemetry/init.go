package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"

	"github.com/zoff-tech/go-stageflow/pkg/config"
)

// Init installs the global tracer provider and W3C propagators and returns a
// shutdown function. Without a tracing URL spans are recorded but not exported.
func Init(cfg config.Observability) (func(), error) {
	if cfg.ServiceName == "" {
		return nil, errors.New("service name cannot be empty")
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []trace.TracerProviderOption{trace.WithResource(res)}
	if cfg.TracingURL != "" {
		client := otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(cfg.TracingURL),
			otlptracehttp.WithInsecure(),
		)
		traceExporter, err := otlptrace.New(context.Background(), client)
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		opts = append(opts, trace.WithBatcher(traceExporter))
	}

	tp := trace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			slog.Error("error shutting down tracer provider", "error", err)
		}
	}, nil
}
