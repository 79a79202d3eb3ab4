package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/gomemory/internal/domain/model"
)

// VideoTaskRepository — реестр задач генерации видео (таблица video_tasks).
type VideoTaskRepository interface {
	// Create сохраняет новую задачу. Повторный task_id возвращает ErrConflict.
	Create(ctx context.Context, task *model.VideoTask) error
	// GetByTaskID возвращает задачу по идентификатору провайдера.
	GetByTaskID(ctx context.Context, taskID string) (*model.VideoTask, error)
	// UpdateStatus обновляет статус и время провайдера.
	UpdateStatus(ctx context.Context, taskID, status string, providerUpdatedAt int64) error
	// ListByOrder возвращает задачи заказа, новые первыми.
	ListByOrder(ctx context.Context, orderID string, limit, offset int) ([]*model.VideoTask, error)
}

type videoTaskRepo struct {
	db DBTX
}

// NewVideoTaskRepository создаёт репозиторий задач генерации видео.
func NewVideoTaskRepository(db DBTX) VideoTaskRepository {
	return &videoTaskRepo{db: db}
}

const videoTaskColumns = `id, task_id, order_id, prompt, task_status,
	provider_created_at, provider_updated_at, created_at, updated_at`

func scanVideoTask(row pgx.Row) (*model.VideoTask, error) {
	t := &model.VideoTask{}
	err := row.Scan(
		&t.ID, &t.TaskID, &t.OrderID, &t.Prompt, &t.TaskStatus,
		&t.ProviderCreatedAt, &t.ProviderUpdatedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	return t, err
}

func (r *videoTaskRepo) Create(ctx context.Context, task *model.VideoTask) error {
	query := `
		INSERT INTO video_tasks (id, task_id, order_id, prompt, task_status,
			provider_created_at, provider_updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		task.ID, task.TaskID, task.OrderID, task.Prompt, task.TaskStatus,
		task.ProviderCreatedAt, task.ProviderUpdatedAt,
	).Scan(&task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: task_id %s уже зарегистрирован", ErrConflict, task.TaskID)
		}
		return fmt.Errorf("ошибка создания задачи: %w", err)
	}
	return nil
}

func (r *videoTaskRepo) GetByTaskID(ctx context.Context, taskID string) (*model.VideoTask, error) {
	query := `SELECT ` + videoTaskColumns + ` FROM video_tasks WHERE task_id = $1`

	t, err := scanVideoTask(r.db.QueryRow(ctx, query, taskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения задачи: %w", err)
	}
	return t, nil
}

func (r *videoTaskRepo) UpdateStatus(ctx context.Context, taskID, status string, providerUpdatedAt int64) error {
	query := `
		UPDATE video_tasks
		SET task_status = $2, provider_updated_at = $3, updated_at = NOW()
		WHERE task_id = $1`

	tag, err := r.db.Exec(ctx, query, taskID, status, providerUpdatedAt)
	if err != nil {
		return fmt.Errorf("ошибка обновления статуса задачи: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *videoTaskRepo) ListByOrder(ctx context.Context, orderID string, limit, offset int) ([]*model.VideoTask, error) {
	query := `SELECT ` + videoTaskColumns + `
		FROM video_tasks
		WHERE order_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.Query(ctx, query, orderID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка задач: %w", err)
	}
	defer rows.Close()

	result := make([]*model.VideoTask, 0)
	for rows.Next() {
		t, err := scanVideoTask(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования задачи: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}
