package sagalog

import (
	"context"
	"time"
)

// Repository is the port for the saga state store. The coordinator depends
// on this abstraction, not on SQLite directly.
//
// Every write also appends a LogEntry so the transition history is never
// lost when a row is overwritten.
type Repository interface {
	CreateSaga(ctx context.Context, saga *SagaInstance) error
	UpdateSaga(ctx context.Context, saga *SagaInstance) error
	GetSaga(ctx context.Context, id string) (*SagaInstance, error)
	ListSagas(ctx context.Context, filter Filter) ([]SagaInstance, error)

	// ResolveSaga annotates a CompensationFailed saga as reconciled by an
	// operator. The status is left untouched.
	ResolveSaga(ctx context.Context, id, note string, at time.Time) error

	// SaveStep upserts the record keyed by (SagaID, StepIndex).
	SaveStep(ctx context.Context, step *StepRecord) error
	ListSteps(ctx context.Context, sagaID string) ([]StepRecord, error)

	ListLog(ctx context.Context, sagaID string) ([]LogEntry, error)
}
