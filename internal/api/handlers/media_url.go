// media_url.go — GET /api/v1/media-url — выдача подписанной ссылки на ресурс
// по виду и идентификаторам. Существование файла не проверяется.
package handlers

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	apierrors "github.com/bigkaa/gomemory/internal/api/errors"
	"github.com/bigkaa/gomemory/internal/domain/media"
)

// GetMediaURL — реализация GET /api/v1/media-url.
func (h *APIHandler) GetMediaURL(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	rawKind := q.Get("kind")
	if rawKind == "" {
		apierrors.ValidationError(w, "Параметр kind обязателен")
		return
	}
	kind, err := media.ParseKind(rawKind)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	ttl, err := parseTTL(q.Get("ttl"))
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	signed, err := h.media.SignKind(kind, media.IDs{
		OrderID:        q.Get("order_id"),
		ProductID:      q.Get("product_id"),
		DetailID:       q.Get("detail_id"),
		BranchNumber:   q.Get("branch_number"),
		GenerationID:   q.Get("generation_id"),
		SequenceNumber: q.Get("sequence_number"),
	}, ttl)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, signed)
}

// parseTTL принимает число секунд ("900") или Go duration ("15m").
// Пустая строка означает срок по умолчанию (0).
func parseTTL(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if secs <= 0 || secs > math.MaxInt64/int64(time.Second) {
			return 0, errors.New("ttl вне допустимого диапазона")
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, errors.New("ttl: ожидается число секунд или длительность вида 15m")
	}
	return d, nil
}
