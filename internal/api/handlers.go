package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/scan2doc/scan2doc/internal/domain"
	"github.com/scan2doc/scan2doc/internal/events"
	"github.com/scan2doc/scan2doc/internal/observability"
	"github.com/scan2doc/scan2doc/internal/pipeline"
	"github.com/scan2doc/scan2doc/internal/queue"
	"github.com/scan2doc/scan2doc/internal/store"
)

// maxUploadBytes bounds one multipart ingest request.
const maxUploadBytes = 256 << 20

// Handler carries the API dependencies shared by every route.
type Handler struct {
	svc   *pipeline.Service
	store *store.Store
	bus   *events.Bus
	log   *observability.Logger
}

// Ingest handles POST /api/v1/pages: a multipart upload of PDFs and images.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid multipart body", err.Error())
		return
	}

	var files []pipeline.File
	for _, headers := range r.MultipartForm.File {
		for _, fh := range headers {
			f, err := fh.Open()
			if err != nil {
				h.writeError(w, http.StatusBadRequest, "unreadable upload part", err.Error())
				return
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				h.writeError(w, http.StatusBadRequest, "unreadable upload part", err.Error())
				return
			}
			files = append(files, pipeline.File{Name: fh.Filename, Data: data})
		}
	}
	if len(files) == 0 {
		h.writeError(w, http.StatusBadRequest, "no files in request", "")
		return
	}

	pages, err := h.svc.Ingest(r.Context(), files)
	if err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, "ingest failed", err.Error())
		return
	}
	h.writeJSON(w, http.StatusCreated, pages)
}

// ListPages handles GET /api/v1/pages.
func (h *Handler) ListPages(w http.ResponseWriter, r *http.Request) {
	pages, err := h.svc.Pages(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "list pages failed", err.Error())
		return
	}
	if pages == nil {
		pages = []*domain.Page{}
	}
	h.writeJSON(w, http.StatusOK, pages)
}

// GetPage handles GET /api/v1/pages/{pageId}.
func (h *Handler) GetPage(w http.ResponseWriter, r *http.Request) {
	pg, err := h.store.GetPage(r.Context(), chi.URLParam(r, "pageId"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, pg)
}

// DeletePage handles DELETE /api/v1/pages/{pageId}.
func (h *Handler) DeletePage(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeletePage(r.Context(), chi.URLParam(r, "pageId")); err != nil {
		h.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// reorderRequest is the body of POST /api/v1/pages/reorder.
type reorderRequest struct {
	IDs []string `json:"ids"`
}

// Reorder handles POST /api/v1/pages/reorder.
func (h *Handler) Reorder(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if len(req.IDs) == 0 {
		h.writeError(w, http.StatusBadRequest, "ids must not be empty", "")
		return
	}
	if err := h.svc.ReorderPages(r.Context(), req.IDs); err != nil {
		h.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// QueueOCR handles POST /api/v1/pages/{pageId}/ocr. The body is an optional
// OCROptions object; an empty body means mode defaults.
func (h *Handler) QueueOCR(w http.ResponseWriter, r *http.Request) {
	var opts domain.OCROptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	if err := h.svc.QueueOCR(r.Context(), chi.URLParam(r, "pageId"), opts); err != nil {
		h.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// CancelOCR handles DELETE /api/v1/pages/{pageId}/ocr.
func (h *Handler) CancelOCR(w http.ResponseWriter, r *http.Request) {
	h.svc.CancelOCR(chi.URLParam(r, "pageId"))
	w.WriteHeader(http.StatusNoContent)
}

// QueueGeneration handles POST /api/v1/pages/{pageId}/generate.
func (h *Handler) QueueGeneration(w http.ResponseWriter, r *http.Request) {
	pageID := chi.URLParam(r, "pageId")
	if _, err := h.store.GetPage(r.Context(), pageID); err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.svc.QueueGeneration(pageID)
	w.WriteHeader(http.StatusAccepted)
}

// QueueBatchOCR handles POST /api/v1/ocr/batch and responds with the exact
// queued/skipped/failed triple.
func (h *Handler) QueueBatchOCR(w http.ResponseWriter, r *http.Request) {
	var opts domain.OCROptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	res, err := h.svc.QueueBatchOCR(r.Context(), opts)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "batch submission failed", err.Error())
		return
	}
	h.writeJSON(w, http.StatusAccepted, res)
}

// artifactContentType maps artifact kinds to their download content types.
// The page image's stored MIME type wins when present.
func artifactContentType(kind domain.ArtifactKind, pg *domain.Page) string {
	switch kind {
	case domain.ArtifactImage:
		if pg.MIMEType != "" {
			return pg.MIMEType
		}
		return "image/jpeg"
	case domain.ArtifactThumbnail:
		return "image/jpeg"
	case domain.ArtifactOCR:
		return "application/json"
	case domain.ArtifactMarkdown:
		return "text/markdown; charset=utf-8"
	case domain.ArtifactDOCX:
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case domain.ArtifactPDF:
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}

// GetArtifact handles GET /api/v1/pages/{pageId}/artifacts/{kind}.
func (h *Handler) GetArtifact(w http.ResponseWriter, r *http.Request) {
	pageID := chi.URLParam(r, "pageId")
	kind := domain.ArtifactKind(chi.URLParam(r, "kind"))

	valid := false
	for _, k := range domain.AllArtifactKinds {
		if k == kind {
			valid = true
			break
		}
	}
	if !valid {
		h.writeError(w, http.StatusBadRequest, "unknown artifact kind", string(kind))
		return
	}

	pg, err := h.store.GetPage(r.Context(), pageID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	data, err := h.store.GetArtifact(r.Context(), pageID, kind)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", artifactContentType(kind, pg))
	w.Header().Set("Content-Length", fmt.Sprint(len(data)))
	w.Write(data)
}

// GetExtractedImage handles GET /api/v1/images/{imageId}: the resolver behind
// scan2doc-img references in assembled Markdown.
func (h *Handler) GetExtractedImage(w http.ResponseWriter, r *http.Request) {
	data, err := h.store.GetExtracted(r.Context(), chi.URLParam(r, "imageId"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Write(data)
}

// statsResponse is the body of GET /api/v1/stats.
type statsResponse struct {
	Pages int         `json:"pages"`
	Queue queue.Stats `json:"queue"`
}

// Stats handles GET /api/v1/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	pages, err := h.svc.Pages(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "stats failed", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, statsResponse{Pages: len(pages), Queue: h.svc.Stats()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error().Err(err).Msg("write response failed")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := map[string]string{"error": message}
	if detail != "" {
		resp["detail"] = detail
	}
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not found", "")
		return
	}
	h.writeError(w, http.StatusInternalServerError, "internal error", err.Error())
}
