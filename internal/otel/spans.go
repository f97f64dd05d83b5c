package otel

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/taskchat/internal/apperr"
	"github.com/basket/taskchat/internal/shared"
)

// Attribute keys for taskchat spans and metrics.
var (
	AttrOwner          = attribute.Key("taskchat.owner")
	AttrConversationID = attribute.Key("taskchat.conversation.id")
	AttrToolName       = attribute.Key("taskchat.tool.name")
	AttrConfirmationID = attribute.Key("taskchat.confirmation.id")
	AttrBackend        = attribute.Key("taskchat.backend")
	AttrStage          = attribute.Key("taskchat.stage")
	AttrStatus         = attribute.Key("taskchat.status")
	AttrErrorCode      = attribute.Key("taskchat.error.code")
)

// StartSpan starts an internal span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, name, trace.SpanKindInternal, attrs)
}

// StartServerSpan starts a span for an inbound gateway request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, name, trace.SpanKindServer, attrs)
}

// StartClientSpan starts a span for an outbound call to an intent backend
// or a remote task store.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, name, trace.SpanKindClient, attrs)
}

func start(ctx context.Context, tracer trace.Tracer, name string, kind trace.SpanKind, attrs []attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// EndSpan ends span. A non-nil err marks the span failed and tags it with
// the error code; the recorded text is redacted.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		code, _ := apperr.Public(err)
		msg := shared.Redact(err.Error())
		span.SetAttributes(AttrErrorCode.String(string(code)))
		span.RecordError(errors.New(msg))
		span.SetStatus(codes.Error, msg)
	}
	span.End()
}
