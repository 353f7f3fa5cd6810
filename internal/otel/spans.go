package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for orchestrator spans.
var (
	AttrAgentID        = attribute.Key("orchestrator.agent.id")
	AttrTaskID         = attribute.Key("orchestrator.task.id")
	AttrExecutionID    = attribute.Key("orchestrator.execution.id")
	AttrJobID          = attribute.Key("orchestrator.job.id")
	AttrSessionID      = attribute.Key("orchestrator.session.id")
	AttrProjectID      = attribute.Key("orchestrator.project.id")
	AttrEpicID         = attribute.Key("orchestrator.epic.id")
	AttrDecompDepth    = attribute.Key("orchestrator.decomposition.depth")
	AttrResearchScope  = attribute.Key("orchestrator.research.scope")
	AttrTransportKind  = attribute.Key("orchestrator.transport.kind")
	AttrModel          = attribute.Key("orchestrator.llm.model")
	AttrTokensInput    = attribute.Key("orchestrator.llm.tokens.input")
	AttrTokensOutput   = attribute.Key("orchestrator.llm.tokens.output")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (transport manager).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (LLM provider, research provider).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
