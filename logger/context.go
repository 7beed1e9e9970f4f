package logger

import (
	"context"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

// Context keys for common logging fields. Values stored under these keys are
// extracted by ContextHandler and added to every record logged with that context.
const (
	// ContextKeySessionID identifies the live session (one per connect attempt).
	ContextKeySessionID contextKey = "session_id"

	// ContextKeyToolCallID identifies a model-issued tool call.
	ContextKeyToolCallID contextKey = "tool_call_id"

	// ContextKeyGatewaySession is the gateway session continuity key.
	ContextKeyGatewaySession contextKey = "gateway_session"

	// ContextKeyRequestID identifies an individual gateway request.
	ContextKeyRequestID contextKey = "request_id"
)

var allContextKeys = []contextKey{
	ContextKeySessionID,
	ContextKeyToolCallID,
	ContextKeyGatewaySession,
	ContextKeyRequestID,
}

// WithSessionID returns a new context with the session ID set.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ContextKeySessionID, sessionID)
}

// WithToolCallID returns a new context with the tool call ID set.
func WithToolCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextKeyToolCallID, id)
}

// WithGatewaySession returns a new context with the gateway session key set.
func WithGatewaySession(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, ContextKeyGatewaySession, key)
}

// WithRequestID returns a new context with the request ID set.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// LoggingFields holds all standard logging context fields.
type LoggingFields struct {
	SessionID      string
	ToolCallID     string
	GatewaySession string
	RequestID      string
}

// ExtractLoggingFields extracts all logging fields from a context.
func ExtractLoggingFields(ctx context.Context) LoggingFields {
	str := func(k contextKey) string {
		s, _ := ctx.Value(k).(string)
		return s
	}
	return LoggingFields{
		SessionID:      str(ContextKeySessionID),
		ToolCallID:     str(ContextKeyToolCallID),
		GatewaySession: str(ContextKeyGatewaySession),
		RequestID:      str(ContextKeyRequestID),
	}
}
