// Package telemetry adapts OpenTelemetry tracing to the service tracer hook
// and configures the OTLP gRPC exporter.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"herbtrace/internal/core"
	"herbtrace/pkg/domain"
)

// InstrumentationName names the tracer handed out by providers.
const InstrumentationName = "herbtrace/internal/core"

// Tracer implements core.Tracer on an OpenTelemetry tracer.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer wraps tp.
func NewTracer(tp trace.TracerProvider) *Tracer {
	return &Tracer{tracer: tp.Tracer(InstrumentationName)}
}

// Start implements core.Tracer.
func (t *Tracer) Start(ctx context.Context, operation string) (context.Context, core.TraceSpan) {
	attrs := []attribute.KeyValue{attribute.String("herbtrace.operation", operation)}
	if actor := core.ActorFromContext(ctx); actor != "" {
		attrs = append(attrs, attribute.String("herbtrace.actor", actor))
	}
	ctx, span := t.tracer.Start(ctx, "herbtrace."+operation, trace.WithAttributes(attrs...))
	return ctx, otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

// End marks faults as span errors. Expected failures such as unknown batches
// are recorded as an attribute and keep an unset status.
func (s otelSpan) End(err error) {
	switch {
	case err == nil:
		s.span.SetStatus(codes.Ok, "")
	case domain.IsExpected(err):
		s.span.SetAttributes(attribute.String("herbtrace.rejection", err.Error()))
	default:
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
}
