// Package telemetry holds the OpenTelemetry span attribute keys and
// start-span helpers shared by the scheduling core.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	AttrSessionKey = attribute.Key("gateway.session.key")
	AttrRunID      = attribute.Key("gateway.run.id")
	AttrLane       = attribute.Key("gateway.lane.name")
	AttrPriority   = attribute.Key("gateway.priority")
	AttrProvider   = attribute.Key("gateway.auth.provider")
)

// StartServerSpan starts a span for an inbound message accepted by the
// orchestrator.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartInternalSpan starts a span for scheduling-internal work (queueing,
// auth resolution) that isn't itself a server or client boundary.
func StartInternalSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}
