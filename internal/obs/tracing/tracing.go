// Package tracing builds the OpenTelemetry tracer provider, offers a
// StartSpan helper, and exposes a helper to pull the active trace/span
// IDs out of a context for log correlation. No Master request handler or
// RTU control-channel RPC opens a span through it.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Tracer name used across the Master; kept as a package constant so every
// span shows up under one instrumentation scope.
const instrumentationName = "scadamaster"

// NewProvider builds a tracer provider with a batching span processor over
// exp, the exporter implementation chosen by the caller (stdout in dev,
// OTLP in a real deployment). A nil exporter yields an always-sample
// provider with no exporter attached, useful for tests that only check
// span presence via the context.
func NewProvider(serviceName string, exp sdktrace.SpanExporter) *sdktrace.TracerProvider {
	res, _ := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(serviceName),
		attribute.String("component", "scadamaster"),
	))
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exp != nil {
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	return sdktrace.NewTracerProvider(opts...)
}

// Tracer returns the tracer used for all Master/RTU spans.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartSpan opens a span named op, returning the enriched context and an
// end function callers defer.
func StartSpan(ctx context.Context, op string) (context.Context, func()) {
	ctx, span := Tracer().Start(ctx, op)
	return ctx, func() { span.End() }
}

// ExtractIDs returns the hex-encoded trace and span IDs of the span
// active in ctx, or two empty strings if ctx carries no valid span
// context. Used by obs/logging to correlate log lines with traces.
func ExtractIDs(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}
