package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type ownerKey struct{}
type conversationKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// EnsureTraceID returns ctx unchanged when it already carries a trace_id,
// otherwise a child context with a fresh one.
func EnsureTraceID(ctx context.Context) context.Context {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return ctx
	}
	return WithTraceID(ctx, NewTraceID())
}

// WithOwner attaches the authenticated owner id to the context.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// Owner extracts the authenticated owner id. Returns "" if absent.
func Owner(ctx context.Context) string {
	if v, ok := ctx.Value(ownerKey{}).(string); ok {
		return v
	}
	return ""
}

// WithConversationID attaches a conversation_id to the context.
func WithConversationID(ctx context.Context, conversationID string) context.Context {
	return context.WithValue(ctx, conversationKey{}, conversationID)
}

// ConversationID extracts conversation_id from context. Returns "" if absent.
func ConversationID(ctx context.Context) string {
	if v, ok := ctx.Value(conversationKey{}).(string); ok {
		return v
	}
	return ""
}

// LogAttrs returns the request-scoped attributes every pipeline log line carries.
func LogAttrs(ctx context.Context) []any {
	attrs := []any{"trace_id", TraceID(ctx)}
	if owner := Owner(ctx); owner != "" {
		attrs = append(attrs, "owner", owner)
	}
	if conv := ConversationID(ctx); conv != "" {
		attrs = append(attrs, "conversation_id", conv)
	}
	return attrs
}
