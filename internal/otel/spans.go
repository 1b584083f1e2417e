package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for investigation spans.
var (
	AttrIncidentID = attribute.Key("aegis.incident.id")
	AttrLoopCount  = attribute.Key("aegis.loop.count")
	AttrAgent      = attribute.Key("aegis.agent")
	AttrAction     = attribute.Key("aegis.action")
	AttrSeverity   = attribute.Key("aegis.verdict.severity")
	AttrModel      = attribute.Key("aegis.llm.model")
	AttrFaultCode  = attribute.Key("aegis.fault.code")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}
