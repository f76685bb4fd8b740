package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for Nodeforge spans.
var (
	AttrJobID        = attribute.Key("nodeforge.job.id")
	AttrUserID       = attribute.Key("nodeforge.user.id")
	AttrNodeID       = attribute.Key("nodeforge.node.id")
	AttrToolName     = attribute.Key("nodeforge.tool.name")
	AttrModel        = attribute.Key("nodeforge.llm.model")
	AttrTokensInput  = attribute.Key("nodeforge.llm.tokens.input")
	AttrTokensOutput = attribute.Key("nodeforge.llm.tokens.output")
	AttrSagaID       = attribute.Key("nodeforge.saga.id")
	AttrSagaType     = attribute.Key("nodeforge.saga.type")
	AttrMCPServer    = attribute.Key("nodeforge.mcp.server")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (Gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API, MCP).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
