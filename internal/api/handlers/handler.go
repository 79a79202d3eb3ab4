// handler.go — основной обработчик API memory-media.
// Делегирует запросы в сервисный слой и переводит его ошибки в HTTP-ответы.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/gomemory/internal/api/errors"
	"github.com/bigkaa/gomemory/internal/compositor"
	"github.com/bigkaa/gomemory/internal/domain/media"
	"github.com/bigkaa/gomemory/internal/domain/model"
	"github.com/bigkaa/gomemory/internal/klingclient"
	"github.com/bigkaa/gomemory/internal/service"
	"github.com/bigkaa/gomemory/internal/storage/filestore"
)

// MediaServer — отдача файлов и выдача подписанных ссылок.
type MediaServer interface {
	Open(resourcePath, tok string) (*service.MediaFile, error)
	SignKind(kind media.Kind, ids media.IDs, ttl time.Duration) (*service.SignedURL, error)
}

// OrderCompositor — сборка merge.jpg заказа.
type OrderCompositor interface {
	CompositeOrder(ctx context.Context, orderID string, urls []string) (*service.CompositeResult, error)
	CompositeOrderUploads(ctx context.Context, orderID string, images []io.Reader) (*service.CompositeResult, error)
}

// VideoDispatcher — генерация видео у провайдера.
type VideoDispatcher interface {
	SubmitForOrder(ctx context.Context, orderID string, req klingclient.VideoRequest) (*klingclient.TaskResponse, error)
	SubmitUpload(ctx context.Context, orderID string, image io.Reader, filename string, req klingclient.VideoRequest) (*klingclient.TaskResponse, error)
	Poll(ctx context.Context, taskID string) (*klingclient.TaskResponse, error)
	List(ctx context.Context, pageNum, pageSize int) (*klingclient.TaskListResponse, error)
	ListOrderTasks(ctx context.Context, orderID string, limit, offset int) ([]*model.VideoTask, error)
}

const (
	// maxJSONBody — предел тела JSON-запроса.
	maxJSONBody = 1 << 20
	// maxMultipartFiles — сколько файлов принимается в одном multipart-запросе.
	maxMultipartFiles = 8
	// multipartMemory — часть multipart-формы, хранимая в памяти; остальное во временных файлах.
	multipartMemory = 8 << 20
)

// APIHandler — обработчик /files и /api/v1.
type APIHandler struct {
	media     MediaServer
	composite OrderCompositor
	videos    VideoDispatcher
	// maxUploadBytes — предел одного загружаемого изображения
	maxUploadBytes int64
	logger         *slog.Logger
}

// NewAPIHandler создаёт обработчик API.
func NewAPIHandler(
	mediaSvc MediaServer,
	composite OrderCompositor,
	videos VideoDispatcher,
	maxUploadBytes int64,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		media:          mediaSvc,
		composite:      composite,
		videos:         videos,
		maxUploadBytes: maxUploadBytes,
		logger:         logger.With(slog.String("component", "api_handler")),
	}
}

// Mount регистрирует маршруты /files и /api/v1 в роутере.
func (h *APIHandler) Mount(r chi.Router) {
	r.Get("/files/*", h.ServeFile)
	r.Head("/files/*", h.ServeFile)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/media-url", h.GetMediaURL)
		r.Route("/orders/{order_id}", func(r chi.Router) {
			r.Post("/composite", h.CreateComposite)
			r.Post("/videos", h.CreateVideo)
			r.Get("/videos", h.ListOrderVideos)
		})
		r.Get("/videos", h.ListVideos)
		r.Get("/videos/{task_id}", h.GetVideo)
	})
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError переводит ошибку сервисного слоя в ответ.
// Порядок проверок важен: FetchError может оборачивать ErrTooLarge.
func (h *APIHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		fetchErr *service.FetchError
		trErr    *klingclient.TransportError
		bizErr   *klingclient.BusinessError
		maxErr   *http.MaxBytesError
	)

	switch {
	// Отмена проверяется первой: FetchError и TransportError могут её оборачивать
	case errors.Is(err, context.Canceled):
		// клиент закрыл соединение, ответ уже никто не прочитает
		h.logger.Debug("Запрос отменён клиентом", slog.String("path", r.URL.Path))
	case errors.Is(err, service.ErrInvalidToken):
		apierrors.InvalidToken(w, "Недействительный или просроченный токен")
	case errors.Is(err, service.ErrResourceNotFound), errors.Is(err, media.ErrUnknownResourceKind):
		apierrors.NotFound(w, err.Error())
	case errors.As(err, &fetchErr):
		apierrors.UpstreamFetch(w, fetchErr.Error())
	case errors.Is(err, filestore.ErrTooLarge), errors.As(err, &maxErr):
		apierrors.FileTooLarge(w, "Размер загрузки превышает допустимый")
	case errors.As(err, &trErr):
		h.logger.Warn("Провайдер видео недоступен",
			slog.String("path", r.URL.Path),
			slog.String("error", trErr.Error()),
		)
		apierrors.UpstreamTransport(w, "Провайдер генерации видео недоступен")
	case errors.As(err, &bizErr):
		apierrors.UpstreamBusiness(w, bizErr.Message)
	case errors.Is(err, compositor.ErrInsufficientInput),
		errors.Is(err, compositor.ErrImageTooLarge),
		errors.Is(err, media.ErrMissingIdentifier),
		errors.Is(err, media.ErrInvalidIdentifier),
		errors.Is(err, service.ErrInvalidTTL),
		errors.Is(err, service.ErrInvalidSourceURL),
		errors.Is(err, klingclient.ErrInvalidRequest),
		errors.Is(err, filestore.ErrOutsideRoot):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, image.ErrFormat):
		apierrors.ValidationError(w, "Исходный файл не является поддерживаемым изображением")
	default:
		h.logger.Error("Внутренняя ошибка",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
	}
}

// queryInt разбирает необязательный целочисленный query-параметр.
func queryInt(r *http.Request, name string, defaultVal int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return defaultVal, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.New("параметр " + name + " должен быть неотрицательным целым")
	}
	return v, nil
}

// paginationDefaults нормализует limit/offset реестра задач.
func paginationDefaults(limit, offset int) (int, int) {
	switch {
	case limit < 1:
		limit = 50
	case limit > 200:
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
