package sagalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"
)

func TestStatusClassification(t *testing.T) {
	for _, s := range ActiveStatuses() {
		assert.True(t, s.IsActive(), s)
		assert.False(t, s.IsTerminal(), s)
	}
	for _, s := range []Status{StatusCompleted, StatusCompensated, StatusCompensationFailed} {
		assert.True(t, s.IsTerminal(), s)
	}
}

func TestPayloadWithDoesNotMutate(t *testing.T) {
	base := Payload{"a": "1", "b": "2"}
	out := base.With(Payload{"b": "3", "c": "4"})

	assert.Equal(t, Payload{"a": "1", "b": "2"}, base)
	assert.Equal(t, Payload{"a": "1", "b": "3", "c": "4"}, out)
}

func TestExtractTraceInfo(t *testing.T) {
	assert.Equal(t, TraceInfo{}, ExtractTraceInfo(context.Background()))

	tid, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	sid, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	var saga SagaInstance
	saga.Stamp(ctx)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", saga.TraceID)
	assert.Equal(t, "00f067aa0ba902b7", saga.SpanID)
}
