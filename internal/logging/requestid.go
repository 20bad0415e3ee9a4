// Package logging builds the service logger and carries request-scoped
// values (request id, logger) through contexts.
package logging

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type contextKey string

const (
	requestIDKey contextKey = "requestId"
	loggerKey    contextKey = "logger"
)

// RequestIDHeader is read from and echoed on every HTTP exchange.
const RequestIDHeader = "X-Request-ID"

// GenerateRequestID creates a random UUID request id.
func GenerateRequestID() string {
	return uuid.NewString()
}

// WithRequestID injects a request ID into the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID retrieves the request ID from the context.
// Returns empty string if not found.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithLogger stores a request-scoped logger in the context.
func WithLogger(ctx context.Context, log *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, log)
}

// FromContext returns the request-scoped logger, or fallback tagged with
// the request id when none was stored.
func FromContext(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if log, ok := ctx.Value(loggerKey).(*zap.Logger); ok {
		return log
	}
	if fallback == nil {
		fallback = zap.NewNop()
	}
	if id := GetRequestID(ctx); id != "" {
		return fallback.With(zap.String("request_id", id))
	}
	return fallback
}
