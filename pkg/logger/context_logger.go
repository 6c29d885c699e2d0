package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const (
	traceIDKey   contextKey = "trace_id"
	requestIDKey contextKey = "request_id"
	sessionIDKey contextKey = "session_id"
	roomIDKey    contextKey = "room_id"
)

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

func WithRoomID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, roomIDKey, id)
}

// ContextLogger provides context-aware logging
type ContextLogger struct {
	logger *zap.Logger
}

// NewContextLogger creates a new context logger
func NewContextLogger(logger *zap.Logger) *ContextLogger {
	return &ContextLogger{
		logger: logger,
	}
}

// WithContext adds the identifiers carried by ctx as fields
func (cl *ContextLogger) WithContext(ctx context.Context) *zap.Logger {
	fields := []zapcore.Field{}

	for _, key := range []contextKey{traceIDKey, requestIDKey, sessionIDKey, roomIDKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			fields = append(fields, zap.String(string(key), v))
		}
	}

	if len(fields) == 0 {
		return cl.logger
	}

	return cl.logger.With(fields...)
}

// LogRequest logs an HTTP request with context
func (cl *ContextLogger) LogRequest(ctx context.Context, method, path string, statusCode int, duration int64) {
	logger := cl.WithContext(ctx)
	logger.Info("http_request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status_code", statusCode),
		zap.Int64("duration_ms", duration),
	)
}

// LogError logs an error with context
func (cl *ContextLogger) LogError(ctx context.Context, err error, message string, fields ...zapcore.Field) {
	cl.WithContext(ctx).With(zap.Error(err)).Error(message, fields...)
}
