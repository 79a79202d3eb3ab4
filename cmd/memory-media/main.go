// Точка входа memory-media — медиасервис заказов.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL,
// создаёт файловое хранилище, клиент провайдера видео и сервисный слой,
// запускает topologymetrics и HTTP-сервер с graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/gomemory/internal/api/handlers"
	"github.com/bigkaa/gomemory/internal/api/middleware"
	"github.com/bigkaa/gomemory/internal/compositor"
	"github.com/bigkaa/gomemory/internal/config"
	"github.com/bigkaa/gomemory/internal/database"
	"github.com/bigkaa/gomemory/internal/klingclient"
	"github.com/bigkaa/gomemory/internal/repository"
	"github.com/bigkaa/gomemory/internal/server"
	"github.com/bigkaa/gomemory/internal/service"
	"github.com/bigkaa/gomemory/internal/storage/filestore"
	"github.com/bigkaa/gomemory/internal/token"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("memory-media запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("media_root", cfg.MediaRoot),
	)

	if os.Getenv("MM_DEPHEALTH_GROUP") == "" {
		logger.Warn("MM_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	// 3. Файловое хранилище и подписанные ссылки
	store, err := filestore.New(cfg.MediaRoot)
	if err != nil {
		logger.Error("Ошибка инициализации хранилища", slog.String("error", err.Error()))
		os.Exit(1)
	}
	uploads, err := filestore.New(cfg.TempDir)
	if err != nil {
		logger.Error("Ошибка инициализации временного хранилища загрузок",
			slog.String("path", cfg.TempDir),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	codec := token.New(cfg.TokenSecret)

	// 4. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 5. Подключение к PostgreSQL (pgxpool)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 5.1 Адаптер pgxpool → *sql.DB для topologymetrics
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 6. Клиент провайдера видео
	provider, err := klingclient.New(klingclient.Options{
		URL:       cfg.ProviderURL,
		AccessKey: cfg.ProviderAccessKey,
		SecretKey: cfg.ProviderSecretKey,
		Timeout:   cfg.ProviderTimeout,
		TokenTTL:  cfg.ProviderTokenTTL,
		Model:     cfg.ProviderModel,
	}, logger)
	if err != nil {
		logger.Error("Ошибка создания клиента провайдера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 7. Repositories
	taskRepo := repository.NewVideoTaskRepository(pool)

	// 8. Services
	mediaSvc, err := service.NewMediaService(
		store, codec,
		cfg.PublicBaseURL,
		cfg.TokenTTL, cfg.TokenMaxTTL,
		logger,
	)
	if err != nil {
		logger.Error("Ошибка создания MediaService", slog.String("error", err.Error()))
		os.Exit(1)
	}

	compositeSvc := service.NewCompositeService(
		store,
		compositor.New(cfg.ThumbSize, cfg.JPEGQuality, cfg.MaxSourcePixels, logger),
		mediaSvc,
		&http.Client{Timeout: cfg.FetchTimeout},
		cfg.FetchWorkers,
		cfg.FetchMaxBytes,
		logger,
	)

	videoSvc := service.NewVideoService(
		provider,
		taskRepo,
		service.NewTaskCache(cfg.TaskCacheSize, cfg.TaskCacheTTL),
		store,
		uploads,
		cfg.FetchMaxBytes,
		logger,
	)

	// 9. topologymetrics — мониторинг зависимостей (PostgreSQL + провайдер)
	pgChecker := database.NewReadinessChecker(pool)
	var deps handlers.DependencyHealth

	dephealthSvc, dephealthErr := service.NewDephealthService(service.DephealthOptions{
		ServiceID:          "memory-media",
		Group:              cfg.DephealthGroup,
		DB:                 pgDB,
		PgConnURL:          cfg.DatabaseURL(),
		ProviderURL:        cfg.ProviderURL,
		ProviderHealthPath: cfg.ProviderHealthPath,
		CheckInterval:      cfg.DephealthCheckInterval,
	}, logger)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
		dephealthSvc = nil
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", startErr.Error()))
		dephealthSvc = nil
	} else {
		deps = dephealthSvc
		logger.Info("topologymetrics запущен",
			slog.String("group", cfg.DephealthGroup),
			slog.String("check_interval", cfg.DephealthCheckInterval.String()),
		)
	}

	// 10. JWT middleware (только если задан JWKS URL)
	var jwtAuth *middleware.JWTAuth
	if cfg.AuthEnabled() {
		jwtAuth, err = middleware.NewJWTAuth(middleware.JWTAuthConfig{
			JWKSURL:         cfg.JWTJWKSURL,
			Issuer:          cfg.JWTIssuer,
			CACertPath:      cfg.JWTCACertPath,
			ClientTimeout:   cfg.JWKSClientTimeout,
			RefreshInterval: cfg.JWKSRefreshInterval,
			JWTLeeway:       cfg.JWTLeeway,
		}, logger)
		if err != nil {
			logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("JWT middleware инициализирован",
			slog.String("jwks_url", cfg.JWTJWKSURL),
			slog.String("issuer", cfg.JWTIssuer),
		)
	} else {
		logger.Warn("MM_JWT_JWKS_URL не задан, /api/v1 работает без аутентификации")
	}

	// 11. Handlers
	healthHandler := handlers.NewHealthHandler(pgChecker, deps)
	apiHandler := handlers.NewAPIHandler(mediaSvc, compositeSvc, videoSvc, cfg.FetchMaxBytes, logger)

	// 12. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, apiHandler, healthHandler, jwtAuth)
	runErr := srv.Run(ctx)

	// 13. Остановка фоновых задач
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	if runErr != nil {
		logger.Error("Ошибка сервера", slog.String("error", runErr.Error()))
		os.Exit(1)
	}
	logger.Info("memory-media остановлен")
}
