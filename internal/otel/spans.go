package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for ledger spans.
var (
	AttrTenantID      = attribute.Key("execledger.tenant.id")
	AttrTaskID        = attribute.Key("execledger.task.id")
	AttrWorkerID      = attribute.Key("execledger.worker.id")
	AttrReservationID = attribute.Key("execledger.reservation.id")
	AttrOperation     = attribute.Key("execledger.operation")
	AttrCredits       = attribute.Key("execledger.credits")
	AttrStep          = attribute.Key("execledger.step")
	AttrCheckpointVer = attribute.Key("execledger.checkpoint.version")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API, tool).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
