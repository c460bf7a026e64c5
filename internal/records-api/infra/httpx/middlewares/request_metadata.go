package middlewares

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/jcmexdev/civic-records/internal/pkg/reqctx"
	"github.com/jcmexdev/civic-records/internal/pkg/telemetry"
)

// HeaderXCorrelationID lets a caller thread its own correlation id through
// the saga logs.
const HeaderXCorrelationID = "X-Correlation-Id"

// AttachRequestMetadata copies the request id and the idempotency and
// correlation headers onto the request context. It must run after
// middleware.RequestID.
func AttachRequestMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := reqctx.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		if key := r.Header.Get(reqctx.HeaderXIdempotencyKey); key != "" {
			ctx = reqctx.WithIdempotencyKey(ctx, key)
		}
		if id := r.Header.Get(HeaderXCorrelationID); id != "" {
			ctx = telemetry.WithCorrelationID(ctx, id)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
