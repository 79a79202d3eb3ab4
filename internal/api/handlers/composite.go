// composite.go — POST /api/v1/orders/{order_id}/composite.
// JSON {"image_urls": [...]} — исходники загружаются сервером,
// multipart (поле images) — исходники передаёт клиент.
package handlers

import (
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/gomemory/internal/service"
)

type compositeRequest struct {
	ImageURLs []string `json:"image_urls"`
}

type compositeResponse struct {
	// Paths — относительно media root; второй элемент — merge.jpg
	Paths     []string   `json:"paths"`
	MediaURL  string     `json:"media_url,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// CreateComposite — реализация POST /api/v1/orders/{order_id}/composite.
func (h *APIHandler) CreateComposite(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "order_id")

	kind, err := bodyKind(r)
	if err != nil {
		writeBodyError(w, err)
		return
	}

	var result *service.CompositeResult
	if kind == "multipart/form-data" {
		if err := h.parseMultipart(w, r); err != nil {
			writeBodyError(w, err)
			return
		}
		defer func() { _ = r.MultipartForm.RemoveAll() }()

		files, closeAll, err := openParts(r.MultipartForm, "images")
		defer closeAll()
		if err != nil {
			writeBodyError(w, err)
			return
		}

		readers := make([]io.Reader, len(files))
		for i, f := range files {
			readers[i] = f
		}
		result, err = h.composite.CompositeOrderUploads(r.Context(), orderID, readers)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
	} else {
		var req compositeRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeBodyError(w, err)
			return
		}
		result, err = h.composite.CompositeOrder(r.Context(), orderID, req.ImageURLs)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	resp := compositeResponse{Paths: result.Paths}
	if result.MediaURL != nil {
		resp.MediaURL = result.MediaURL.URL
		resp.ExpiresAt = &result.MediaURL.ExpiresAt
	}
	writeJSON(w, http.StatusOK, resp)
}
