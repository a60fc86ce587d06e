// Package telemetry configures OpenTelemetry tracing and carries trace context
// across the broker.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// TracerName is the instrumentation scope used by pipeline spans.
const TracerName = "github.com/JakeFAU/contentgen-pipeline"

// InitTracerProvider initializes the global trace provider. sampleRatio <= 0
// samples nothing; >= 1 samples everything. Spans are recorded in-process; an
// exporter can be attached by the caller via tp.RegisterSpanProcessor.
func InitTracerProvider(ctx context.Context, serviceName string, sampleRatio float64) (*sdktrace.TracerProvider, error) {
	if serviceName == "" {
		return nil, fmt.Errorf("service name is required")
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp, nil
}
