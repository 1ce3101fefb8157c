package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new span with the given name and attributes
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// SpanFromContext returns the current span from context
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// SetSpanError marks the span as errored
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as successful
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Common attribute keys for limiter spans
var (
	AttrJobID      = attribute.Key("llmgate.job.id")
	AttrJobType    = attribute.Key("llmgate.job.type")
	AttrModelID    = attribute.Key("llmgate.model.id")
	AttrAttempt    = attribute.Key("llmgate.attempt")
	AttrQueueWait  = attribute.Key("llmgate.queue_wait_ms")
	AttrDurationMs = attribute.Key("llmgate.duration_ms")
	AttrStatus     = attribute.Key("llmgate.status")
	AttrInstanceID = attribute.Key("llmgate.instance.id")
)
