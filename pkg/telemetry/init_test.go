package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/zoff-tech/go-stageflow/pkg/config"
)

func TestInit_WithExporter(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	// The OTLP HTTP exporter connects lazily, so no collector is needed.
	shutdown, err := Init(config.Observability{
		ServiceName: "stageflow-test",
		TracingURL:  "localhost:4318",
	})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	shutdown()
}

func TestInit_InstallsPropagators(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	shutdown, err := Init(config.Observability{ServiceName: "stageflow-test"})
	require.NoError(t, err)
	defer shutdown()

	ctx, span := otel.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	assert.True(t, span.SpanContext().IsValid())

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	assert.NotEmpty(t, carrier.Get("traceparent"))
}
