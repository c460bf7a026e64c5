package hooks

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func event(name string) Event {
	return Event{ID: "ev-1", Name: name, RecordID: "rec-1", CorrelationID: "corr-1", OccurredAt: time.Now().UTC()}
}

func TestEmitterDeliversAndDrainsOnClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sink := &MemorySink{}
	e := NewEmitter(discardLogger(), 8, sink, NewLogSink(discardLogger()))
	e.Start(context.Background())

	require.NoError(t, e.Emit(context.Background(), event("record.created")))
	require.NoError(t, e.Emit(context.Background(), event("record.updated")))
	require.NoError(t, e.Close(context.Background()))

	events := sink.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "record.created", events[0].Name)
	assert.Equal(t, "record.updated", events[1].Name)

	require.ErrorIs(t, e.Emit(context.Background(), event("late")), ErrClosed)
	require.NoError(t, e.Close(context.Background()))
}

func TestEmitterBufferFull(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	e := NewEmitter(discardLogger(), 1)
	require.NoError(t, e.Emit(context.Background(), event("a")))
	require.ErrorIs(t, e.Emit(context.Background(), event("b")), ErrBufferFull)
	require.NoError(t, e.Close(context.Background()))
}

func TestEmitterStopsOnContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx, cancel := context.WithCancel(context.Background())
	e := NewEmitter(discardLogger(), 1, &MemorySink{})
	e.Start(ctx)
	cancel()

	closeCtx, stop := context.WithTimeout(context.Background(), time.Second)
	defer stop()
	require.NoError(t, e.Close(closeCtx))
}

func TestWebhookSinkRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.Equal(t, "record.created", r.Header.Get("X-Event-Name"))
		assert.Equal(t, "corr-1", r.Header.Get("X-Correlation-ID"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink := NewWebhookSink(WebhookConfig{URL: srv.URL, RetryMax: 2, RetryWaitMin: time.Millisecond, RetryWaitMax: time.Millisecond}, discardLogger())
	require.NoError(t, sink.Deliver(context.Background(), event("record.created")))

	assert.EqualValues(t, 2, hits.Load())
	assert.Equal(t, "rec-1", got.RecordID)
}

func TestWebhookSinkRejectsClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	sink := NewWebhookSink(WebhookConfig{URL: srv.URL, RetryMax: 3, RetryWaitMin: time.Millisecond, RetryWaitMax: time.Millisecond}, discardLogger())
	err := sink.Deliver(context.Background(), event("record.created"))
	require.Error(t, err)
	assert.EqualValues(t, 1, hits.Load())
}
