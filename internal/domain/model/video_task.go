// Пакет model — доменные модели memory-media.
package model

import "time"

// Статусы задачи генерации видео (значения провайдера).
const (
	TaskStatusSubmitted  = "submitted"
	TaskStatusProcessing = "processing"
	TaskStatusSucceed    = "succeed"
	TaskStatusFailed     = "failed"
)

// VideoTask — задача генерации видео, принятая провайдером.
// Хранится в таблице video_tasks; ключ провайдера — TaskID.
type VideoTask struct {
	// ID — UUID записи
	ID string
	// TaskID — идентификатор задачи у провайдера (уникален)
	TaskID string
	// OrderID — заказ, для которого запрошено видео
	OrderID string
	// Prompt — текст запроса генерации
	Prompt string
	// TaskStatus — последний известный статус
	TaskStatus string
	// ProviderCreatedAt, ProviderUpdatedAt — время провайдера (мс unix)
	ProviderCreatedAt int64
	ProviderUpdatedAt int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsFinal возвращает true для завершённых задач (succeed, failed).
func (t *VideoTask) IsFinal() bool {
	return t.TaskStatus == TaskStatusSucceed || t.TaskStatus == TaskStatusFailed
}
