package logger

import (
	"context"

	"agrispare-be/internal/identity"

	"go.uber.org/zap"
)

type ctxKey string

const requestIDKey ctxKey = "request_id"

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func RequestIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// FromCtx returns the logger with request_id and the acting identity attached
// when the context carries them.
func FromCtx(ctx context.Context) *zap.Logger {
	l := L()
	if reqID := RequestIDFrom(ctx); reqID != "" {
		l = l.With(zap.String("request_id", reqID))
	}
	if actor, ok := identity.FromContext(ctx); ok {
		l = l.With(
			zap.String("actor_id", actor.ActorID.String()),
			zap.String("actor_role", string(actor.Role)),
		)
	}
	return l
}
