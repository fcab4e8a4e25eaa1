package logging

import (
	"context"
	"log/slog"
)

type requestIDKey struct{}

// WithRequestID tags ctx so loggers derived with FromContext carry id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// FromContext returns base annotated with the request id in ctx, if any.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok && id != "" {
		return base.With(slog.String("request_id", id))
	}
	return base
}
