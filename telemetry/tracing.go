// OpenTelemetry tracing for the ingestion pipeline.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with pipeline-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include heart-rate values in span attributes
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return NewNoopTracer()
	}
	return globalTracer
}

// NewTracer creates a new tracer with the given name.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// NewNoopTracer returns a tracer that records nothing.
func NewNoopTracer() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
}

// Debug returns whether readings are attached to spans.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Pipeline Spans ---

// StartSampleSpan starts the root span for one ingested sample. The reading
// itself is attached only in debug mode since it is health data.
func (t *Tracer) StartSampleSpan(ctx context.Context, userID string, value float64) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "sample.ingest", trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(attribute.String("user.id", userID))
	if t.debug {
		span.SetAttributes(attribute.Float64("heartrate.value", value))
	}
	return ctx, span
}

// StartHandlerSpan starts a span for one pipeline handler.
func (t *Tracer) StartHandlerSpan(ctx context.Context, handler string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "handler."+handler, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("handler.name", handler))
	return ctx, span
}

// EndSpan records the outcome and ends span. Filtered-out handlers are
// marked skipped.
func (t *Tracer) EndSpan(span trace.Span, skipped bool, err error) {
	span.SetAttributes(attribute.Bool("handler.skipped", skipped))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
