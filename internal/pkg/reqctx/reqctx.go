// Package reqctx carries per-request metadata (request id, idempotency key)
// from the transport layer down to the saga executor.
package reqctx

import "context"

// contextKey is an unexported type for context keys in this package.
type contextKey string

const (
	HeaderXRequestID      = "X-Request-Id"
	HeaderXIdempotencyKey = "X-Idempotency-Key"

	requestIDKey      contextKey = "request_id"
	idempotencyKeyKey contextKey = "idempotency_key"
)

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request id stored in ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyKey, key)
}

// IdempotencyKey returns the client supplied key, or "" when the request
// carried none.
func IdempotencyKey(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKeyKey).(string)
	return key
}
