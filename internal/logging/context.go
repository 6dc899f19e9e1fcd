package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type sessionCtxKey struct{}
type chainCtxKey struct{}
type requestCtxKey struct{}

// WithSessionID attaches a session identifier to the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionCtxKey{}, sessionID)
}

// SessionIDFromContext returns the session identifier, or "" if absent.
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionCtxKey{}).(string)
	return id
}

// WithChainID attaches a chain identifier to the context.
func WithChainID(ctx context.Context, chainID string) context.Context {
	return context.WithValue(ctx, chainCtxKey{}, chainID)
}

// ChainIDFromContext returns the chain identifier, or "" if absent.
func ChainIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(chainCtxKey{}).(string)
	return id
}

// WithRequestID attaches a request identifier to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext returns the request identifier, or "" if absent.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestCtxKey{}).(string)
	return id
}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	// Trace correlation (from OpenTelemetry)
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if sessionID := SessionIDFromContext(ctx); sessionID != "" {
		fields = append(fields, zap.String("session.id", sessionID))
	}
	if chainID := ChainIDFromContext(ctx); chainID != "" {
		fields = append(fields, zap.String("chain.id", chainID))
	}
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}

	return fields
}
