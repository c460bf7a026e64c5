// Package sagalog defines the durable state of saga executions.
//
// The state serves two purposes:
//
//  1. Recovery: every step transition is persisted before the next step
//     begins, so after a crash the recovery pass knows exactly which steps
//     completed and need compensation or can be resumed.
//
//  2. Observability: an append-only log of transitions, tagged with the
//     correlation id and OTel trace id, lets an operator reconstruct what
//     happened to a record across the database, the file tree and git.
package sagalog

import (
	"errors"
	"time"
)

var (
	ErrSagaNotFound = errors.New("saga not found")
	ErrNotPoisoned  = errors.New("saga is not in COMPENSATION_FAILED")
)

// SagaType names one of the record lifecycle sagas.
type SagaType string

const (
	TypeCreateRecord  SagaType = "CreateRecord"
	TypeUpdateRecord  SagaType = "UpdateRecord"
	TypePublishDraft  SagaType = "PublishDraft"
	TypeArchiveRecord SagaType = "ArchiveRecord"
)

// Status represents the lifecycle state of a saga execution.
type Status string

const (
	StatusPending            Status = "PENDING"
	StatusRunning            Status = "RUNNING"
	StatusCompleted          Status = "COMPLETED"
	StatusFailed             Status = "FAILED"
	StatusCompensating       Status = "COMPENSATING"
	StatusCompensated        Status = "COMPENSATED"
	StatusCompensationFailed Status = "COMPENSATION_FAILED"
)

// IsTerminal reports whether no further transition can happen.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusCompensationFailed:
		return true
	}
	return false
}

// IsActive reports whether a saga in this status still holds, or held when
// it crashed, the lock on its resource.
func (s Status) IsActive() bool {
	return !s.IsTerminal()
}

// ActiveStatuses lists every non-terminal status, for recovery sweeps.
func ActiveStatuses() []Status {
	return []Status{StatusPending, StatusRunning, StatusFailed, StatusCompensating}
}

// StepStatus is the progress of one step within a saga.
type StepStatus string

const (
	StepPending            StepStatus = "PENDING"
	StepExecuting          StepStatus = "EXECUTING"
	StepCompleted          StepStatus = "COMPLETED"
	StepFailed             StepStatus = "FAILED"
	StepCompensating       StepStatus = "COMPENSATING"
	StepCompensated        StepStatus = "COMPENSATED"
	StepCompensationFailed StepStatus = "COMPENSATION_FAILED"
)

// Payload is the key/value context carried between steps. Values are
// strings so that a payload survives a JSON round trip through the store
// unchanged.
type Payload map[string]string

// Clone returns an independent copy of p.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge copies every entry of other into p, overwriting existing keys.
func (p Payload) Merge(other Payload) {
	for k, v := range other {
		p[k] = v
	}
}

// With returns a copy of p overlaid with other.
func (p Payload) With(other Payload) Payload {
	out := p.Clone()
	out.Merge(other)
	return out
}

// SagaInstance is one execution attempt of a saga definition.
type SagaInstance struct {
	ID             string
	Type           SagaType
	CorrelationID  string
	IdempotencyKey string

	// ResourceID is the record being mutated; also the lock key.
	ResourceID string

	Status  Status
	Context Payload

	// LastError is the step error that triggered compensation, if any.
	LastError string

	// TraceID and SpanID identify the OTel span active when the saga
	// started, empty when tracing is disabled.
	TraceID string
	SpanID  string

	// ResolvedAt is set when an operator has reconciled a poisoned saga.
	ResolvedAt     *time.Time
	ResolutionNote string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// StepRecord is the persisted progress of one step.
type StepRecord struct {
	SagaID    string
	StepIndex int
	StepName  string
	Status    StepStatus

	// Result is the step output needed to compensate it (row id, file path,
	// commit hash, job id).
	Result Payload
	Error  string

	ExecutedAt time.Time
}

// LogEntry is one row of the append-only transition log.
type LogEntry struct {
	SagaID    string
	Status    string
	StepName  string
	Message   string
	TraceID   string
	SpanID    string
	CreatedAt time.Time
}

// Filter narrows ListSagas.
type Filter struct {
	Statuses   []Status
	ResourceID string

	// UpdatedBefore keeps only sagas not touched since this instant.
	UpdatedBefore time.Time

	// Unresolved keeps only sagas without an operator resolution.
	Unresolved bool

	Limit int
}
