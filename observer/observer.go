// Package observer provides OTEL-based tracing for agent operations.
//
// Init configures the global tracer provider with an OTLP HTTP exporter;
// NewTracer then returns a kestrel.Tracer to pass to kestrel.WithTracer.
// Users export to any OTEL-compatible backend by setting standard OTEL env
// vars (OTEL_EXPORTER_OTLP_ENDPOINT, etc.).
package observer

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const scopeName = "github.com/kestrel-ai/kestrel/observer"

// Init sets up the OTEL trace provider with an OTLP HTTP exporter.
// Configuration comes from standard OTEL env vars. Returns a shutdown
// function that must be called on application exit to flush pending spans.
func Init(ctx context.Context) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("kestrel")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}
