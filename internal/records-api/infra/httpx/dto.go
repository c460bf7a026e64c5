package httpx

import (
	"time"

	"github.com/jcmexdev/civic-records/internal/coordinator"
	"github.com/jcmexdev/civic-records/internal/coordinator/sagalog"
	"github.com/jcmexdev/civic-records/internal/records"
)

type CreateRecordRequest struct {
	ID     string `json:"id,omitempty"`
	Title  string `json:"title"`
	Type   string `json:"type"`
	Status string `json:"status"`
	Body   string `json:"body"`
}

// UpdateRecordRequest leaves fields that are omitted untouched.
type UpdateRecordRequest struct {
	Title  string  `json:"title,omitempty"`
	Type   string  `json:"type,omitempty"`
	Status string  `json:"status,omitempty"`
	Body   *string `json:"body,omitempty"`
}

type SaveDraftRequest struct {
	ID       string `json:"id,omitempty"`
	RecordID string `json:"record_id,omitempty"`
	Title    string `json:"title"`
	Type     string `json:"type"`
	Status   string `json:"status"`
	Body     string `json:"body"`
}

type RecordResponse struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Type       string     `json:"type"`
	Status     string     `json:"status"`
	Body       string     `json:"body"`
	Version    int        `json:"version"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

// MutationResponse is returned by every saga backed endpoint.
type MutationResponse struct {
	Record        RecordResponse `json:"record"`
	SagaID        string         `json:"saga_id"`
	CorrelationID string         `json:"correlation_id"`
	Replayed      bool           `json:"replayed,omitempty"`
}

type DraftResponse struct {
	ID        string    `json:"id"`
	RecordID  string    `json:"record_id"`
	Title     string    `json:"title"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

type SagaResponse struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	Status         string            `json:"status"`
	ResourceID     string            `json:"resource_id"`
	CorrelationID  string            `json:"correlation_id"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	Context        map[string]string `json:"context"`
	ResolvedAt     *time.Time        `json:"resolved_at,omitempty"`
	ResolutionNote string            `json:"resolution_note,omitempty"`
	Steps          []StepResponse    `json:"steps"`
	Log            []LogResponse     `json:"log"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

type StepResponse struct {
	Index      int               `json:"index"`
	Name       string            `json:"name"`
	Status     string            `json:"status"`
	Result     map[string]string `json:"result,omitempty"`
	Error      string            `json:"error,omitempty"`
	ExecutedAt time.Time         `json:"executed_at"`
}

type LogResponse struct {
	Status    string    `json:"status"`
	Step      string    `json:"step,omitempty"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func mapRecordToResponse(rec records.Record) RecordResponse {
	return RecordResponse{
		ID:         rec.ID,
		Title:      rec.Title,
		Type:       rec.Type,
		Status:     string(rec.Status),
		Body:       rec.Body,
		Version:    rec.Version,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
		ArchivedAt: rec.ArchivedAt,
	}
}

func mapMutationToResponse(m *coordinator.Mutation) MutationResponse {
	return MutationResponse{
		Record:        mapRecordToResponse(m.Record),
		SagaID:        m.SagaID,
		CorrelationID: m.CorrelationID,
		Replayed:      m.Replayed,
	}
}

func mapDraftToResponse(d records.Draft) DraftResponse {
	return DraftResponse{
		ID:        d.ID,
		RecordID:  d.RecordID,
		Title:     d.Title,
		Type:      d.Type,
		Status:    string(d.Status),
		Body:      d.Body,
		CreatedAt: d.CreatedAt,
	}
}

func mapSagaToResponse(v *coordinator.SagaView) SagaResponse {
	s := v.Saga
	out := SagaResponse{
		ID:             s.ID,
		Type:           string(s.Type),
		Status:         string(s.Status),
		ResourceID:     s.ResourceID,
		CorrelationID:  s.CorrelationID,
		IdempotencyKey: s.IdempotencyKey,
		LastError:      s.LastError,
		Context:        s.Context,
		ResolvedAt:     s.ResolvedAt,
		ResolutionNote: s.ResolutionNote,
		Steps:          make([]StepResponse, len(v.Steps)),
		Log:            make([]LogResponse, len(v.Log)),
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
	for i, st := range v.Steps {
		out.Steps[i] = mapStep(st)
	}
	for i, l := range v.Log {
		out.Log[i] = LogResponse{Status: l.Status, Step: l.StepName, Message: l.Message, CreatedAt: l.CreatedAt}
	}
	return out
}

func mapStep(st sagalog.StepRecord) StepResponse {
	return StepResponse{
		Index:      st.StepIndex,
		Name:       st.StepName,
		Status:     string(st.Status),
		Result:     st.Result,
		Error:      st.Error,
		ExecutedAt: st.ExecutedAt,
	}
}
