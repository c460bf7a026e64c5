package sagalog

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// TraceInfo holds the OTel identifiers extracted from a context.
type TraceInfo struct {
	// TraceID is the W3C trace ID (32 lowercase hex chars).
	TraceID string

	// SpanID is the W3C span ID (16 lowercase hex chars).
	SpanID string
}

// ExtractTraceInfo reads the active OpenTelemetry span from ctx. Both fields
// are empty when no valid span is present (tracing disabled, unit tests).
func ExtractTraceInfo(ctx context.Context) TraceInfo {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return TraceInfo{}
	}
	return TraceInfo{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
	}
}

// Stamp copies the trace identifiers of ctx onto the saga.
func (s *SagaInstance) Stamp(ctx context.Context) {
	ti := ExtractTraceInfo(ctx)
	s.TraceID = ti.TraceID
	s.SpanID = ti.SpanID
}
