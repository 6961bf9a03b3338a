package middleware

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const ctxCallerID contextKey = "caller_id"

// CallerID returns the authenticated buyer or seller behind the request.
func CallerID(ctx context.Context) (uuid.UUID, bool) {
	if ctx == nil {
		return uuid.Nil, false
	}
	id, ok := ctx.Value(ctxCallerID).(uuid.UUID)
	if !ok || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}

// WithCallerID stores the caller on ctx.
func WithCallerID(ctx context.Context, id uuid.UUID) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxCallerID, id)
}
