package database

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/gomemory/internal/config"
)

// setupTestDB запускает PostgreSQL в Docker-контейнере через testcontainers.
func setupTestDB(t *testing.T) *config.Config {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("memory_test"),
		postgres.WithUsername("memory"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	t.Setenv("MM_DB_HOST", host)
	t.Setenv("MM_DB_PORT", port.Port())
	t.Setenv("MM_DB_NAME", "memory_test")
	t.Setenv("MM_DB_USER", "memory")
	t.Setenv("MM_DB_PASSWORD", "test-password")
	t.Setenv("MM_DB_SSL_MODE", "disable")
	t.Setenv("MM_MEDIA_ROOT", t.TempDir())
	t.Setenv("MM_TOKEN_SECRET", "integration-secret-integration-secret")
	t.Setenv("MM_PROVIDER_ACCESS_KEY", "ak")
	t.Setenv("MM_PROVIDER_SECRET_KEY", "sk")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestConnect(t *testing.T) {
	cfg := setupTestDB(t)
	ctx := context.Background()

	pool, err := Connect(ctx, cfg, testLogger())
	if err != nil {
		t.Fatalf("Connect() вернул ошибку: %v", err)
	}
	defer pool.Close()

	status, msg := NewReadinessChecker(pool).CheckReady()
	if status != "ok" {
		t.Errorf("CheckReady() = (%s, %s), ожидался ok", status, msg)
	}
}

// TestMigrate проверяет применение миграций и идемпотентность.
func TestMigrate(t *testing.T) {
	cfg := setupTestDB(t)
	logger := testLogger()

	if err := Migrate(cfg, logger); err != nil {
		t.Fatalf("Migrate() вернул ошибку: %v", err)
	}
	if err := Migrate(cfg, logger); err != nil {
		t.Fatalf("Повторный Migrate() вернул ошибку: %v", err)
	}

	ctx := context.Background()
	pool, err := Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Connect() вернул ошибку: %v", err)
	}
	defer pool.Close()

	var exists bool
	err = pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = 'video_tasks')`,
	).Scan(&exists)
	if err != nil {
		t.Fatalf("Ошибка проверки таблицы: %v", err)
	}
	if !exists {
		t.Error("таблица video_tasks не создана")
	}
}

// TestConnect_Unreachable проверяет ошибку при недоступной БД.
func TestConnect_Unreachable(t *testing.T) {
	cfg := &config.Config{
		DBHost: "127.0.0.1", DBPort: 1, DBName: "x", DBUser: "x", DBPassword: "x", DBSSLMode: "disable",
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := Connect(ctx, cfg, testLogger()); err == nil {
		t.Error("ожидалась ошибка подключения")
	}
}
