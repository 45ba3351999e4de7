package logger

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextLogger adds the call identifiers carried by a context to every
// entry.
type ContextLogger struct {
	logger *zap.Logger
}

func NewContextLogger(logger *zap.Logger) *ContextLogger {
	return &ContextLogger{logger: logger}
}

type ctxKey string

const (
	sessionIDKey ctxKey = "session_id"
	peerIDKey    ctxKey = "peer_id"
	requestIDKey ctxKey = "request_id"
)

func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

func WithPeerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, peerIDKey, id)
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the id stored by WithRequestID.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithContext returns a logger carrying the request, session and peer ids
// and the active span's trace id.
func (cl *ContextLogger) WithContext(ctx context.Context) *zap.Logger {
	var fields []zap.Field
	for _, key := range []ctxKey{requestIDKey, sessionIDKey, peerIDKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			fields = append(fields, zap.String(string(key), v))
		}
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		fields = append(fields, zap.String("trace_id", sc.TraceID().String()))
	}
	if len(fields) == 0 {
		return cl.logger
	}
	return cl.logger.With(fields...)
}

// LogRequest writes one access log entry. Server errors log at error level.
func (cl *ContextLogger) LogRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	l := cl.WithContext(ctx)
	fields := []zap.Field{
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status_code", status),
		zap.Int64("duration_ms", duration.Milliseconds()),
	}
	if status >= 500 {
		l.Error("http_request", fields...)
		return
	}
	l.Info("http_request", fields...)
}
