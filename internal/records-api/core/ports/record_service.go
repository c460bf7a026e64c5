package ports

import (
	"context"

	"github.com/jcmexdev/civic-records/internal/coordinator"
	"github.com/jcmexdev/civic-records/internal/records"
)

// RecordService is what the HTTP layer needs from the coordinator.
type RecordService interface {
	Create(ctx context.Context, in coordinator.CreateInput, idempotencyKey string) (*coordinator.Mutation, error)
	Update(ctx context.Context, id string, in coordinator.UpdateInput, idempotencyKey string) (*coordinator.Mutation, error)
	PublishDraft(ctx context.Context, draftID, idempotencyKey string) (*coordinator.Mutation, error)
	Archive(ctx context.Context, id, idempotencyKey string) (*coordinator.Mutation, error)
	SaveDraft(ctx context.Context, in coordinator.DraftInput) (records.Draft, error)
	GetRecord(ctx context.Context, id string) (records.Record, error)
	GetSaga(ctx context.Context, id string) (*coordinator.SagaView, error)
}
