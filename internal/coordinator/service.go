package coordinator

import (
	"context"
	"fmt"
	"regexp"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"github.com/jcmexdev/civic-records/internal/coordinator/sagalog"
	"github.com/jcmexdev/civic-records/internal/records"
)

var (
	typePattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

	knownStatuses = []interface{}{
		records.StatusDraft, records.StatusProposed, records.StatusApproved,
		records.StatusPublished, records.StatusRepealed, records.StatusArchived,
	}
)

type CreateInput struct {
	// ID is generated when empty.
	ID     string
	Title  string
	Type   string
	Status records.Status
	Body   string
}

func (in CreateInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Title, validation.Required, validation.Length(1, 300)),
		validation.Field(&in.Type, validation.Required, validation.Match(typePattern)),
		validation.Field(&in.Status, validation.Required, validation.In(knownStatuses...)),
	)
}

// UpdateInput changes only the fields that are set. Type cannot change;
// it may be repeated as long as it matches.
type UpdateInput struct {
	Title  string
	Type   string
	Status records.Status
	Body   *string
}

func (in UpdateInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Title, validation.Length(1, 300)),
		validation.Field(&in.Type, validation.Match(typePattern)),
		validation.Field(&in.Status, validation.In(knownStatuses...)),
	)
}

type DraftInput struct {
	// ID is generated when empty.
	ID string
	// RecordID is the record the draft will create or replace. It
	// defaults to the draft id.
	RecordID string
	Title    string
	Type     string
	Status   records.Status
	Body     string
}

func (in DraftInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Title, validation.Required, validation.Length(1, 300)),
		validation.Field(&in.Type, validation.Required, validation.Match(typePattern)),
		validation.Field(&in.Status, validation.Required, validation.In(knownStatuses...)),
	)
}

// Mutation is the outcome of a record saga.
type Mutation struct {
	Record        records.Record
	SagaID        string
	CorrelationID string
	Replayed      bool
}

// SagaView is a saga with its step records and transition log.
type SagaView struct {
	Saga  sagalog.SagaInstance
	Steps []sagalog.StepRecord
	Log   []sagalog.LogEntry
}

// Service is the entry point for record mutations. Every mutation runs as
// a saga; reads go straight to the stores.
type Service struct {
	exec    *Executor
	catalog Catalog
	store   RecordStore
	now     func() time.Time
	newID   func() string
}

func NewService(exec *Executor, catalog Catalog, store RecordStore) *Service {
	return &Service{
		exec:    exec,
		catalog: catalog,
		store:   store,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

func (s *Service) Create(ctx context.Context, in CreateInput, idempotencyKey string) (*Mutation, error) {
	if err := in.Validate(); err != nil {
		return nil, invalid(err)
	}
	id := in.ID
	if id == "" {
		id = s.newID()
	}
	return s.run(ctx, sagalog.TypeCreateRecord, Request{
		ResourceID:     id,
		IdempotencyKey: idempotencyKey,
		Input: sagalog.Payload{
			KeyRecordID: id,
			KeyTitle:    in.Title,
			KeyType:     in.Type,
			KeyStatus:   string(in.Status),
			KeyBody:     in.Body,
		},
	})
}

func (s *Service) Update(ctx context.Context, id string, in UpdateInput, idempotencyKey string) (*Mutation, error) {
	if err := in.Validate(); err != nil {
		return nil, invalid(err)
	}
	input := sagalog.Payload{KeyRecordID: id}
	for k, v := range map[string]string{KeyTitle: in.Title, KeyType: in.Type, KeyStatus: string(in.Status)} {
		if v != "" {
			input[k] = v
		}
	}
	if in.Body != nil {
		input[KeyBody] = *in.Body
	}
	return s.run(ctx, sagalog.TypeUpdateRecord, Request{ResourceID: id, IdempotencyKey: idempotencyKey, Input: input})
}

func (s *Service) PublishDraft(ctx context.Context, draftID, idempotencyKey string) (*Mutation, error) {
	draft, err := s.store.GetDraft(ctx, draftID)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, sagalog.TypePublishDraft, Request{
		ResourceID:     draft.RecordID,
		IdempotencyKey: idempotencyKey,
		Input:          sagalog.Payload{KeyDraftID: draft.ID, KeyRecordID: draft.RecordID},
	})
}

func (s *Service) Archive(ctx context.Context, id, idempotencyKey string) (*Mutation, error) {
	return s.run(ctx, sagalog.TypeArchiveRecord, Request{
		ResourceID:     id,
		IdempotencyKey: idempotencyKey,
		Input:          sagalog.Payload{KeyRecordID: id},
	})
}

// SaveDraft stages a draft. It is a single-row write, not a saga.
func (s *Service) SaveDraft(ctx context.Context, in DraftInput) (records.Draft, error) {
	if err := in.Validate(); err != nil {
		return records.Draft{}, invalid(err)
	}
	d := records.Draft{
		ID:        in.ID,
		RecordID:  in.RecordID,
		Title:     in.Title,
		Type:      in.Type,
		Status:    in.Status,
		Body:      in.Body,
		CreatedAt: s.now(),
	}
	if d.ID == "" {
		d.ID = s.newID()
	}
	if d.RecordID == "" {
		d.RecordID = d.ID
	}
	if err := s.store.SaveDraft(ctx, d); err != nil {
		return records.Draft{}, err
	}
	return d, nil
}

func (s *Service) GetRecord(ctx context.Context, id string) (records.Record, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) GetSaga(ctx context.Context, id string) (*SagaView, error) {
	repo := s.exec.repo
	inst, err := repo.GetSaga(ctx, id)
	if err != nil {
		return nil, err
	}
	steps, err := repo.ListSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	log, err := repo.ListLog(ctx, id)
	if err != nil {
		return nil, err
	}
	return &SagaView{Saga: *inst, Steps: steps, Log: log}, nil
}

func (s *Service) ListSagas(ctx context.Context, filter sagalog.Filter) ([]sagalog.SagaInstance, error) {
	return s.exec.repo.ListSagas(ctx, filter)
}

func (s *Service) run(ctx context.Context, t sagalog.SagaType, req Request) (*Mutation, error) {
	def, err := s.catalog.Get(t)
	if err != nil {
		return nil, err
	}
	res, err := s.exec.Execute(ctx, def, req)
	if err != nil {
		return nil, err
	}
	rec, err := RecordFromPayload(res.Output)
	if err != nil {
		return nil, err
	}
	return &Mutation{
		Record:        rec,
		SagaID:        res.SagaID,
		CorrelationID: res.CorrelationID,
		Replayed:      res.Replayed,
	}, nil
}

func invalid(err error) error {
	return fmt.Errorf("%w: %v", records.ErrInvalidRecord, err)
}
