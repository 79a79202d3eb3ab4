// dephealth.go — мониторинг зависимостей через topologymetrics SDK.
//
// memory-media мониторит:
//   - PostgreSQL — SQL checker через существующий pgxpool (critical)
//   - провайдер генерации видео — HTTP checker (non-critical: без него не работает
//     только генерация видео, отдача медиа и композиция продолжают работать)
//
// Метрики app_dependency_* доступны на /metrics.
package service

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // регистрация HTTP checker factory
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
	"github.com/prometheus/client_golang/prometheus"
)

// DephealthOptions — параметры мониторинга зависимостей.
type DephealthOptions struct {
	// ServiceID — имя вершины графа (memory-media)
	ServiceID string
	// Group — имя группы в метриках
	Group string
	// DB — *sql.DB, полученный из pgxpool через stdlib.OpenDBFromPool()
	DB *sql.DB
	// PgConnURL — URL PostgreSQL без пароля (только для лейблов)
	PgConnURL string
	// ProviderURL — URL провайдера видео
	ProviderURL string
	// ProviderHealthPath — путь HTTP-проверки провайдера
	ProviderHealthPath string
	CheckInterval      time.Duration
}

// DephealthService — сервис мониторинга зависимостей.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService создаёт сервис; метрики регистрируются в глобальном registry.
func NewDephealthService(opts DephealthOptions, logger *slog.Logger) (*DephealthService, error) {
	return newDephealthService(opts, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с отдельным registerer (для тестов).
func NewDephealthServiceWithRegisterer(
	opts DephealthOptions,
	logger *slog.Logger,
	registerer prometheus.Registerer,
) (*DephealthService, error) {
	return newDephealthService(opts, logger, dephealth.WithRegisterer(registerer))
}

func newDephealthService(opts DephealthOptions, logger *slog.Logger, extraOpts ...dephealth.Option) (*DephealthService, error) {
	healthPath := opts.ProviderHealthPath
	if healthPath == "" {
		healthPath = "/"
	}

	dhOpts := make([]dephealth.Option, 0, 3+len(extraOpts))
	dhOpts = append(dhOpts,
		dephealth.WithLogger(logger),
		dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(opts.DB)),
			dephealth.FromURL(opts.PgConnURL),
			dephealth.CheckInterval(opts.CheckInterval),
			dephealth.Critical(true),
		),
		dephealth.HTTP("video-provider",
			dephealth.FromURL(opts.ProviderURL),
			dephealth.WithHTTPHealthPath(healthPath),
			dephealth.CheckInterval(opts.CheckInterval),
			dephealth.Critical(false),
		),
	)
	dhOpts = append(dhOpts, extraOpts...)

	dh, err := dephealth.New(opts.ServiceID, opts.Group, dhOpts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен (PostgreSQL + провайдер видео)")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает состояние зависимостей: имя → true, если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
