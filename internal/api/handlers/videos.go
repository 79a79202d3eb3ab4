// videos.go — генерация видео:
//   - POST /api/v1/orders/{order_id}/videos — отправка merge.jpg (JSON) или загрузки (multipart)
//   - GET  /api/v1/orders/{order_id}/videos — задачи заказа из реестра
//   - GET  /api/v1/videos/{task_id} — состояние задачи
//   - GET  /api/v1/videos — список задач провайдера
package handlers

import (
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/gomemory/internal/api/errors"
	"github.com/bigkaa/gomemory/internal/domain/model"
	"github.com/bigkaa/gomemory/internal/klingclient"
)

// maxProviderPageSize — верхняя граница pageSize списка задач провайдера.
const maxProviderPageSize = 500

// videoTaskResponse — запись реестра задач в ответе API.
type videoTaskResponse struct {
	ID                string    `json:"id"`
	TaskID            string    `json:"task_id"`
	OrderID           string    `json:"order_id"`
	Prompt            string    `json:"prompt"`
	TaskStatus        string    `json:"task_status"`
	Final             bool      `json:"final"`
	ProviderCreatedAt int64     `json:"provider_created_at"`
	ProviderUpdatedAt int64     `json:"provider_updated_at"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type orderVideosResponse struct {
	OrderID string              `json:"order_id"`
	Tasks   []videoTaskResponse `json:"tasks"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
}

// CreateVideo — реализация POST /api/v1/orders/{order_id}/videos.
func (h *APIHandler) CreateVideo(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "order_id")

	kind, err := bodyKind(r)
	if err != nil {
		writeBodyError(w, err)
		return
	}

	if kind == "application/json" {
		var req klingclient.VideoRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeBodyError(w, err)
			return
		}
		resp, err := h.videos.SubmitForOrder(r.Context(), orderID, req)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if err := h.parseMultipart(w, r); err != nil {
		writeBodyError(w, err)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	req, err := videoRequestFromForm(r.MultipartForm)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	headers := r.MultipartForm.File["image"]
	if len(headers) != 1 {
		apierrors.ValidationError(w, "Ожидается ровно один файл в поле image")
		return
	}
	f, err := headers[0].Open()
	if err != nil {
		writeBodyError(w, err)
		return
	}
	defer f.Close()

	resp, err := h.videos.SubmitUpload(r.Context(), orderID, f, headers[0].Filename, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// videoRequestFromForm собирает VideoRequest из текстовых полей формы.
func videoRequestFromForm(form *multipart.Form) (klingclient.VideoRequest, error) {
	get := func(name string) string {
		if v := form.Value[name]; len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
		return ""
	}

	req := klingclient.VideoRequest{
		ModelName:      get("model_name"),
		Prompt:         get("prompt"),
		NegativePrompt: get("negative_prompt"),
		Mode:           get("mode"),
		CallbackURL:    get("callback_url"),
	}

	if raw := get("cfg_scale"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return req, fmt.Errorf("cfg_scale: %q не является числом", raw)
		}
		req.CfgScale = &v
	}
	if raw := get("duration"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return req, fmt.Errorf("duration: %q не является целым", raw)
		}
		req.Duration = v
	}
	return req, nil
}

// ListOrderVideos — реализация GET /api/v1/orders/{order_id}/videos.
func (h *APIHandler) ListOrderVideos(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "order_id")

	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	limit, offset = paginationDefaults(limit, offset)

	tasks, err := h.videos.ListOrderTasks(r.Context(), orderID, limit, offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := orderVideosResponse{
		OrderID: orderID,
		Tasks:   make([]videoTaskResponse, 0, len(tasks)),
		Limit:   limit,
		Offset:  offset,
	}
	for _, t := range tasks {
		resp.Tasks = append(resp.Tasks, toVideoTaskResponse(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

func toVideoTaskResponse(t *model.VideoTask) videoTaskResponse {
	return videoTaskResponse{
		ID:                t.ID,
		TaskID:            t.TaskID,
		OrderID:           t.OrderID,
		Prompt:            t.Prompt,
		TaskStatus:        t.TaskStatus,
		Final:             t.IsFinal(),
		ProviderCreatedAt: t.ProviderCreatedAt,
		ProviderUpdatedAt: t.ProviderUpdatedAt,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
	}
}

// GetVideo — реализация GET /api/v1/videos/{task_id}.
func (h *APIHandler) GetVideo(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	if taskID == "" {
		apierrors.ValidationError(w, "task_id обязателен")
		return
	}

	resp, err := h.videos.Poll(r.Context(), taskID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListVideos — реализация GET /api/v1/videos?pageNum=&pageSize=.
func (h *APIHandler) ListVideos(w http.ResponseWriter, r *http.Request) {
	pageNum, err := queryInt(r, "pageNum", 0)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	pageSize, err := queryInt(r, "pageSize", 0)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	if pageSize > maxProviderPageSize {
		apierrors.ValidationError(w, fmt.Sprintf("pageSize не может превышать %d", maxProviderPageSize))
		return
	}

	resp, err := h.videos.List(r.Context(), pageNum, pageSize)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
