package reqctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))
	assert.Empty(t, IdempotencyKey(ctx))

	ctx = WithRequestID(ctx, "req-1")
	ctx = WithIdempotencyKey(ctx, "key-1")
	assert.Equal(t, "req-1", RequestID(ctx))
	assert.Equal(t, "key-1", IdempotencyKey(ctx))
}
