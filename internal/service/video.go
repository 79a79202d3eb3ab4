// video.go — отправка изображений заказа провайдеру генерации видео
// и учёт принятых задач в реестре video_tasks.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/gomemory/internal/domain/media"
	"github.com/bigkaa/gomemory/internal/domain/model"
	"github.com/bigkaa/gomemory/internal/klingclient"
	"github.com/bigkaa/gomemory/internal/repository"
	"github.com/bigkaa/gomemory/internal/storage/filestore"
)

var providerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mm_provider_requests_total",
	Help: "Запросы к провайдеру генерации видео по операции и результату.",
}, []string{"operation", "result"})

// VideoProvider — операции провайдера генерации видео.
// Реализуется *klingclient.Client.
type VideoProvider interface {
	Submit(ctx context.Context, imagePath string, req klingclient.VideoRequest) (*klingclient.TaskResponse, error)
	Poll(ctx context.Context, taskID string) (*klingclient.TaskResponse, error)
	List(ctx context.Context, pageNum, pageSize int) (*klingclient.TaskListResponse, error)
}

// VideoService — генерация видео по изображениям заказа.
type VideoService struct {
	provider VideoProvider
	tasks    repository.VideoTaskRepository
	cache    *TaskCache
	store    *filestore.FileStore
	uploads  *filestore.FileStore
	maxBytes int64
	logger   *slog.Logger
}

// NewVideoService создаёт сервис. uploads — хранилище временных копий загрузок.
func NewVideoService(
	provider VideoProvider,
	tasks repository.VideoTaskRepository,
	cache *TaskCache,
	store *filestore.FileStore,
	uploads *filestore.FileStore,
	maxBytes int64,
	logger *slog.Logger,
) *VideoService {
	return &VideoService{
		provider: provider,
		tasks:    tasks,
		cache:    cache,
		store:    store,
		uploads:  uploads,
		maxBytes: maxBytes,
		logger:   logger.With(slog.String("component", "video_service")),
	}
}

// SubmitForOrder отправляет merge.jpg заказа провайдеру.
// Если композиция ещё не собрана — ErrResourceNotFound.
func (s *VideoService) SubmitForOrder(ctx context.Context, orderID string, req klingclient.VideoRequest) (*klingclient.TaskResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	resource, err := media.Locate(media.KindMergedPhoto, media.IDs{OrderID: orderID})
	if err != nil {
		return nil, err
	}

	fullPath, err := s.store.Resolve(resource)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, resource)
	}

	return s.submit(ctx, orderID, fullPath, req)
}

// SubmitUpload отправляет загруженное клиентом изображение.
// Загрузка копируется в хранилище uploads и удаляется оттуда при любом исходе.
func (s *VideoService) SubmitUpload(
	ctx context.Context,
	orderID string,
	image io.Reader,
	filename string,
	req klingclient.VideoRequest,
) (*klingclient.TaskResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if _, err := media.OrderDir(orderID); err != nil {
		return nil, err
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" || strings.ContainsAny(ext, `/\`) {
		ext = ".jpg"
	}

	saved, err := s.uploads.SaveFile("upload-"+uuid.New().String()+ext, image, s.maxBytes)
	if err != nil {
		return nil, fmt.Errorf("сохранение загрузки: %w", err)
	}
	defer func() {
		if err := s.uploads.DeleteFile(saved.StoragePath); err != nil {
			s.logger.Warn("Не удалось удалить временную копию загрузки",
				slog.String("path", saved.StoragePath),
				slog.String("error", err.Error()),
			)
		}
	}()

	return s.submit(ctx, orderID, saved.FullPath, req)
}

func (s *VideoService) submit(ctx context.Context, orderID, imagePath string, req klingclient.VideoRequest) (*klingclient.TaskResponse, error) {
	resp, err := s.provider.Submit(ctx, imagePath, req)
	observeProvider("submit", err)
	if err != nil {
		return nil, err
	}

	task := &model.VideoTask{
		ID:                uuid.New().String(),
		TaskID:            resp.Data.TaskID,
		OrderID:           orderID,
		Prompt:            req.Prompt,
		TaskStatus:        resp.Data.TaskStatus,
		ProviderCreatedAt: resp.Data.CreatedAt,
		ProviderUpdatedAt: resp.Data.UpdatedAt,
	}
	// Провайдер уже принял задачу: сбой реестра не отменяет ответ клиенту
	if err := s.tasks.Create(ctx, task); err != nil && !errors.Is(err, repository.ErrConflict) {
		s.logger.Error("Не удалось сохранить задачу в реестре",
			slog.String("task_id", task.TaskID),
			slog.String("order_id", orderID),
			slog.String("error", err.Error()),
		)
	}
	s.cache.Set(resp.Data.TaskID, resp)

	s.logger.Info("Видео запрошено",
		slog.String("order_id", orderID),
		slog.String("task_id", resp.Data.TaskID),
		slog.String("task_status", resp.Data.TaskStatus),
	)
	return resp, nil
}

// Poll возвращает состояние задачи: из кэша или от провайдера.
// Свежий статус сохраняется в реестре, если задача создана через этот сервис.
func (s *VideoService) Poll(ctx context.Context, taskID string) (*klingclient.TaskResponse, error) {
	if cached, ok := s.cache.Get(taskID); ok {
		return cached, nil
	}

	resp, err := s.provider.Poll(ctx, taskID)
	observeProvider("poll", err)
	if err != nil {
		return nil, err
	}
	s.cache.Set(taskID, resp)

	s.syncRegistry(ctx, taskID, resp.Data)
	return resp, nil
}

// syncRegistry переносит статус от провайдера в реестр. Задачи, созданные
// не через сервис, завершённые задачи и устаревшие ответы пропускаются.
func (s *VideoService) syncRegistry(ctx context.Context, taskID string, fresh klingclient.TaskDescriptor) {
	task, err := s.tasks.GetByTaskID(ctx, taskID)
	if errors.Is(err, repository.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Warn("Не удалось прочитать задачу из реестра",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
		return
	}

	if task.IsFinal() || fresh.UpdatedAt < task.ProviderUpdatedAt {
		return
	}
	if fresh.TaskStatus == task.TaskStatus && fresh.UpdatedAt == task.ProviderUpdatedAt {
		return
	}

	err = s.tasks.UpdateStatus(ctx, taskID, fresh.TaskStatus, fresh.UpdatedAt)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.logger.Warn("Не удалось обновить статус задачи",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
	}
}

// List возвращает список задач провайдера без изменений.
func (s *VideoService) List(ctx context.Context, pageNum, pageSize int) (*klingclient.TaskListResponse, error) {
	resp, err := s.provider.List(ctx, pageNum, pageSize)
	observeProvider("list", err)
	return resp, err
}

// ListOrderTasks возвращает задачи заказа из локального реестра.
func (s *VideoService) ListOrderTasks(ctx context.Context, orderID string, limit, offset int) ([]*model.VideoTask, error) {
	if _, err := media.OrderDir(orderID); err != nil {
		return nil, err
	}
	return s.tasks.ListByOrder(ctx, orderID, limit, offset)
}

// observeProvider учитывает результат обращения к провайдеру в метриках.
func observeProvider(operation string, err error) {
	var (
		trErr  *klingclient.TransportError
		bizErr *klingclient.BusinessError
	)
	result := "ok"
	switch {
	case err == nil:
	case errors.As(err, &trErr):
		result = "transport_error"
	case errors.As(err, &bizErr):
		result = "business_error"
	default:
		result = "error"
	}
	providerRequestsTotal.WithLabelValues(operation, result).Inc()
}
