// Package api exposes the pipeline over a small JSON HTTP API plus an SSE
// stream of bus events, so UI collaborators can drive and observe processing.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/scan2doc/scan2doc/internal/events"
	"github.com/scan2doc/scan2doc/internal/observability"
	"github.com/scan2doc/scan2doc/internal/pipeline"
	"github.com/scan2doc/scan2doc/internal/store"
)

// NewRouter creates the API router with all routes configured.
func NewRouter(svc *pipeline.Service, st *store.Store, bus *events.Bus, log *observability.Logger) http.Handler {
	h := &Handler{svc: svc, store: st, bus: bus, log: log.WithComponent("api")}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","service":"scan2doc"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/pages", func(r chi.Router) {
			r.Get("/", h.ListPages)
			r.Post("/", h.Ingest)
			r.Post("/reorder", h.Reorder)

			r.Route("/{pageId}", func(r chi.Router) {
				r.Get("/", h.GetPage)
				r.Delete("/", h.DeletePage)
				r.Post("/ocr", h.QueueOCR)
				r.Delete("/ocr", h.CancelOCR)
				r.Post("/generate", h.QueueGeneration)
				r.Get("/artifacts/{kind}", h.GetArtifact)
			})
		})

		r.Post("/ocr/batch", h.QueueBatchOCR)
		r.Get("/images/{imageId}", h.GetExtractedImage)
		r.Get("/events", h.Events)
		r.Get("/stats", h.Stats)
	})

	return r
}
