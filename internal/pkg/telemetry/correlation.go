package telemetry

import "context"

type contextKey string

const (
	correlationIDKey contextKey = "correlation_id"
	sagaIDKey        contextKey = "saga_id"
)

// WithCorrelationID returns a copy of ctx carrying the correlation id that is
// threaded through every log line of a saga.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID returns the correlation id stored in ctx, or "".
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

// WithSagaID returns a copy of ctx carrying the saga instance id.
func WithSagaID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sagaIDKey, id)
}

// SagaID returns the saga id stored in ctx, or "".
func SagaID(ctx context.Context) string {
	id, _ := ctx.Value(sagaIDKey).(string)
	return id
}
