package httpx

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jcmexdev/civic-records/internal/records-api/infra/httpx/middlewares"
)

func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middlewares.AttachRequestMetadata)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/records", handler.CreateRecord)
	r.Get("/records/{id}", handler.GetRecord)
	r.Put("/records/{id}", handler.UpdateRecord)
	r.Post("/records/{id}/archive", handler.ArchiveRecord)
	r.Post("/drafts", handler.SaveDraft)
	r.Post("/drafts/{id}/publish", handler.PublishDraft)
	r.Get("/sagas/{id}", handler.GetSaga)
	return r
}
