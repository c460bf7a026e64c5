package httpx

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jcmexdev/civic-records/internal/coordinator"
	"github.com/jcmexdev/civic-records/internal/pkg/reqctx"
	"github.com/jcmexdev/civic-records/internal/records"
	"github.com/jcmexdev/civic-records/internal/records-api/core/ports"
)

// Handler exposes the record sagas over HTTP. Every mutation runs to a
// terminal saga status before the response is written.
type Handler struct {
	service ports.RecordService
	logger  *slog.Logger
}

func NewHandler(service ports.RecordService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger}
}

func (h *Handler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	var req CreateRecordRequest
	if !decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	h.logger.InfoContext(ctx, "creating record",
		slog.String("request_id", reqctx.RequestID(ctx)),
		slog.String("type", req.Type),
	)

	m, err := h.service.Create(ctx, coordinator.CreateInput{
		ID:     req.ID,
		Title:  req.Title,
		Type:   req.Type,
		Status: records.Status(req.Status),
		Body:   req.Body,
	}, reqctx.IdempotencyKey(ctx))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, mutationStatus(m, http.StatusCreated), mapMutationToResponse(m))
}

func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.GetRecord(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapRecordToResponse(rec))
}

func (h *Handler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	var req UpdateRecordRequest
	if !decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	m, err := h.service.Update(ctx, chi.URLParam(r, "id"), coordinator.UpdateInput{
		Title:  req.Title,
		Type:   req.Type,
		Status: records.Status(req.Status),
		Body:   req.Body,
	}, reqctx.IdempotencyKey(ctx))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapMutationToResponse(m))
}

func (h *Handler) ArchiveRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	m, err := h.service.Archive(ctx, chi.URLParam(r, "id"), reqctx.IdempotencyKey(ctx))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapMutationToResponse(m))
}

func (h *Handler) SaveDraft(w http.ResponseWriter, r *http.Request) {
	var req SaveDraftRequest
	if !decode(w, r, &req) {
		return
	}

	d, err := h.service.SaveDraft(r.Context(), coordinator.DraftInput{
		ID:       req.ID,
		RecordID: req.RecordID,
		Title:    req.Title,
		Type:     req.Type,
		Status:   records.Status(req.Status),
		Body:     req.Body,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, mapDraftToResponse(d))
}

func (h *Handler) PublishDraft(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	m, err := h.service.PublishDraft(ctx, chi.URLParam(r, "id"), reqctx.IdempotencyKey(ctx))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapMutationToResponse(m))
}

func (h *Handler) GetSaga(w http.ResponseWriter, r *http.Request) {
	v, err := h.service.GetSaga(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSagaToResponse(v))
}

// mutationStatus answers a replayed create with 200 rather than 201.
func mutationStatus(m *coordinator.Mutation, fresh int) int {
	if m.Replayed {
		return http.StatusOK
	}
	return fresh
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error(), "")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg, correlationID string) {
	writeJSON(w, status, ErrorResponse{
		Error:         code,
		Message:       msg,
		CorrelationID: correlationID,
	})
}
