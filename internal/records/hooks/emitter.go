// Package hooks publishes record lifecycle events ("record.created",
// "record.archived", ...) to downstream subscribers. Emitting never blocks
// the caller: events are buffered and delivered by a background loop.
package hooks

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrBufferFull = errors.New("hook buffer full")
	ErrClosed     = errors.New("hook emitter closed")
)

const DefaultBuffer = 256

type Event struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	RecordID      string            `json:"record_id"`
	CorrelationID string            `json:"correlation_id"`
	Payload       map[string]string `json:"payload,omitempty"`
	OccurredAt    time.Time         `json:"occurred_at"`
}

// Sink delivers one event somewhere.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

type Emitter struct {
	logger *slog.Logger
	sinks  []Sink
	events chan Event

	mu      sync.RWMutex
	closed  bool
	started bool
	done    chan struct{}
}

func NewEmitter(logger *slog.Logger, buffer int, sinks ...Sink) *Emitter {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Emitter{
		logger: logger,
		sinks:  sinks,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
}

// Emit queues ev for delivery and returns immediately.
func (e *Emitter) Emit(ctx context.Context, ev Event) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	select {
	case e.events <- ev:
		return nil
	default:
		return ErrBufferFull
	}
}

// Start launches the delivery loop. It stops when ctx is cancelled or
// after Close has drained the buffer.
func (e *Emitter) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.closed {
		return
	}
	e.started = true
	go e.run(ctx)
}

// Close stops accepting events and waits for queued ones to be delivered.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.events)
	started := e.started
	e.mu.Unlock()

	if !started {
		return nil
	}
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Emitter) run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case ev, ok := <-e.events:
			if !ok {
				return
			}
			e.dispatch(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Emitter) dispatch(ctx context.Context, ev Event) {
	for _, sink := range e.sinks {
		if err := sink.Deliver(ctx, ev); err != nil {
			e.logger.WarnContext(ctx, "hook delivery failed",
				slog.String("event", ev.Name),
				slog.String("event_id", ev.ID),
				slog.String("record_id", ev.RecordID),
				slog.String("correlation_id", ev.CorrelationID),
				slog.Any("error", err),
			)
		}
	}
}
