package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func TestInitTracerProvider(t *testing.T) {
	tp, err := InitTracerProvider(context.Background(), "contentgen-test", 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, span := otel.Tracer(TracerName).Start(context.Background(), "job.publish")
	require.True(t, span.SpanContext().IsSampled())

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	require.NotEmpty(t, carrier.Get("traceparent"))
	span.End()

	_, err = InitTracerProvider(context.Background(), "", 1)
	require.Error(t, err)
}
