// files.go — GET /files/*?token= — отдача медиафайла по подписанной ссылке.
// Range, If-Modified-Since и HEAD обрабатывает http.ServeContent.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ServeFile отдаёт файл без изменений с Content-Type по расширению.
func (h *APIHandler) ServeFile(w http.ResponseWriter, r *http.Request) {
	resource := chi.URLParam(r, "*")

	mf, err := h.media.Open(resource, r.URL.Query().Get("token"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer mf.File.Close()

	w.Header().Set("Content-Type", mf.ContentType)
	w.Header().Set("Cache-Control", "private, max-age=0, must-revalidate")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeContent(w, r, mf.Info.Name(), mf.Info.ModTime(), mf.File)
}
