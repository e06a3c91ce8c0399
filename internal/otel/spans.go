package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys used across cubicled spans.
const (
	AttrAgentID     = attribute.Key("cubicled.agent.id")
	AttrUserID      = attribute.Key("cubicled.user.id")
	AttrRunID       = attribute.Key("cubicled.run.id")
	AttrMeetingID   = attribute.Key("cubicled.meeting.id")
	AttrApprovalID  = attribute.Key("cubicled.approval.id")
	AttrContainerID = attribute.Key("cubicled.container.id")
	AttrOutcome     = attribute.Key("cubicled.outcome")
)

// StartSpan starts an internal span with the given attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// StartServerSpan starts a server-kind span for inbound gateway requests.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
}

// RecordError marks the span failed and records err when non-nil.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetAttributes(AttrOutcome.String("error"))
}
