package httpx

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/jcmexdev/civic-records/internal/coordinator"
	"github.com/jcmexdev/civic-records/internal/coordinator/sagalog"
	"github.com/jcmexdev/civic-records/internal/records"
)

// RetryAfterSeconds is advertised on 409 responses caused by a busy
// resource or an in-flight duplicate.
const RetryAfterSeconds = 1

type errorMapping struct {
	status int
	code   string
}

// classify maps a service error onto an HTTP status and error code.
// Saga-level outcomes are checked before the domain sentinels they may
// wrap.
func classify(err error) errorMapping {
	var stepErr *coordinator.StepExecutionError
	switch {
	case coordinator.IsQuarantined(err):
		return errorMapping{http.StatusLocked, "resource_quarantined"}
	case coordinator.IsCompensationFailure(err):
		return errorMapping{http.StatusInternalServerError, "manual_intervention_required"}
	case coordinator.IsLockTimeout(err):
		return errorMapping{http.StatusConflict, "resource_busy"}
	case coordinator.IsIdempotencyConflict(err):
		return errorMapping{http.StatusConflict, "request_in_flight"}
	case errors.Is(err, records.ErrNotFound), errors.Is(err, records.ErrDraftNotFound):
		return errorMapping{http.StatusNotFound, "record_not_found"}
	case errors.Is(err, sagalog.ErrSagaNotFound):
		return errorMapping{http.StatusNotFound, "saga_not_found"}
	case errors.Is(err, records.ErrInvalidRecord):
		return errorMapping{http.StatusBadRequest, "invalid_request"}
	case errors.As(err, &stepErr) && stepErr.Retryable():
		return errorMapping{http.StatusServiceUnavailable, "step_failed_retryable"}
	case errors.As(err, &stepErr):
		return errorMapping{http.StatusUnprocessableEntity, "step_failed"}
	}
	return errorMapping{http.StatusInternalServerError, "internal_error"}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	m := classify(err)
	correlationID := coordinator.CorrelationIDOf(err)

	level := slog.LevelWarn
	if m.status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.Log(r.Context(), level, "request failed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", m.status),
		slog.String("correlation_id", correlationID),
		slog.Any("error", err),
	)

	if m.status == http.StatusConflict || m.status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds))
	}
	writeError(w, m.status, m.code, err.Error(), correlationID)
}
