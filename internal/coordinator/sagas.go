package coordinator

import (
	"fmt"
	"time"

	"github.com/jcmexdev/civic-records/internal/coordinator/sagalog"
	"github.com/jcmexdev/civic-records/internal/records"
	"github.com/jcmexdev/civic-records/internal/records/indexqueue"
)

// Hook event names.
const (
	EventRecordCreated   = "record.created"
	EventRecordUpdated   = "record.updated"
	EventRecordPublished = "record.published"
	EventRecordArchived  = "record.archived"
)

// Timeouts configures the per-step deadlines. Hook emission has its own,
// shorter, deadline.
type Timeouts struct {
	Step time.Duration
	Hook time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Step <= 0 {
		t.Step = DefaultStepTimeout
	}
	if t.Hook <= 0 {
		t.Hook = DefaultHookTimeout
	}
	return t
}

func CreateRecord(b Backends, t Timeouts) Definition {
	t = t.withDefaults()
	return Definition{
		Type: sagalog.TypeCreateRecord,
		Steps: []Step{
			NewInsertRecordStep(b, t.Step),
			NewWriteFileStep(b, t.Step),
			NewCommitStep(b, t.Step, "create"),
			NewQueueIndexingStep(b, t.Step, indexqueue.OpIndex),
			NewEmitHooksStep(b, t.Hook, EventRecordCreated),
		},
	}
}

func UpdateRecord(b Backends, t Timeouts) Definition {
	t = t.withDefaults()
	return Definition{
		Type: sagalog.TypeUpdateRecord,
		Steps: []Step{
			NewLoadRecordStep(b, t.Step),
			NewValidateTransitionStep(b, t.Step, ""),
			NewUpdateRecordStep(b, t.Step),
			NewWriteFileStep(b, t.Step),
			NewCommitStep(b, t.Step, "update"),
			NewQueueIndexingStep(b, t.Step, indexqueue.OpIndex),
			NewEmitHooksStep(b, t.Hook, EventRecordUpdated),
		},
	}
}

func PublishDraft(b Backends, t Timeouts) Definition {
	t = t.withDefaults()
	return Definition{
		Type: sagalog.TypePublishDraft,
		Steps: []Step{
			NewPublishDraftRowStep(b, t.Step),
			NewWriteFileStep(b, t.Step),
			NewCommitStep(b, t.Step, "publish"),
			NewQueueIndexingStep(b, t.Step, indexqueue.OpIndex),
			NewEmitHooksStep(b, t.Hook, EventRecordPublished),
		},
	}
}

func ArchiveRecord(b Backends, t Timeouts) Definition {
	t = t.withDefaults()
	return Definition{
		Type: sagalog.TypeArchiveRecord,
		Steps: []Step{
			NewLoadRecordStep(b, t.Step),
			NewValidateTransitionStep(b, t.Step, records.StatusArchived),
			NewArchiveRecordStep(b, t.Step),
			NewArchiveFileStep(b, t.Step),
			NewCommitStep(b, t.Step, "archive"),
			NewQueueIndexingStep(b, t.Step, indexqueue.OpRemove),
			NewEmitHooksStep(b, t.Hook, EventRecordArchived),
		},
	}
}

// Catalog resolves a persisted saga type back to its definition.
type Catalog map[sagalog.SagaType]Definition

func NewCatalog(b Backends, t Timeouts) Catalog {
	c := Catalog{}
	for _, def := range []Definition{
		CreateRecord(b, t),
		UpdateRecord(b, t),
		PublishDraft(b, t),
		ArchiveRecord(b, t),
	} {
		c[def.Type] = def
	}
	return c
}

func (c Catalog) Get(t sagalog.SagaType) (Definition, error) {
	def, ok := c[t]
	if !ok {
		return Definition{}, fmt.Errorf("coordinator: unknown saga type %q", t)
	}
	return def, nil
}
