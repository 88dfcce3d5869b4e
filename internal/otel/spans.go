package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for reducer spans.
var (
	AttrPolicyID       = attribute.Key("policyd.policy.id")
	AttrPolicyKind     = attribute.Key("policyd.policy.kind")
	AttrIdempotencyKey = attribute.Key("policyd.event.idempotency_key")
	AttrEventID        = attribute.Key("policyd.event.id")
	AttrOldState       = attribute.Key("policyd.lifecycle.old")
	AttrNewState       = attribute.Key("policyd.lifecycle.new")
	AttrOutcome        = attribute.Key("policyd.outcome")
	AttrAttempts       = attribute.Key("policyd.attempts")
	AttrShard          = attribute.Key("policyd.shard")
)

// StartSpan starts an internal span, such as one reducer apply.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, name, trace.SpanKindInternal, attrs)
}

// StartConsumerSpan starts a span for an event taken off an inbound transport.
func StartConsumerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, name, trace.SpanKindConsumer, attrs)
}

// StartClientSpan starts a span for an outbound alert hand-off.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, name, trace.SpanKindClient, attrs)
}

func start(ctx context.Context, tracer trace.Tracer, name string, kind trace.SpanKind, attrs []attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}
