package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

// setEnvs устанавливает переменные окружения на время теста.
func setEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

// minimalEnvs возвращает минимальный набор обязательных переменных.
func minimalEnvs() map[string]string {
	return map[string]string{
		"MM_DB_HOST":             "localhost",
		"MM_DB_NAME":             "memory",
		"MM_DB_USER":             "memory",
		"MM_DB_PASSWORD":         "secret",
		"MM_TOKEN_SECRET":        "0123456789abcdef0123456789abcdef",
		"MM_PROVIDER_ACCESS_KEY": "ak",
		"MM_PROVIDER_SECRET_KEY": "sk",
	}
}

func TestLoad_MinimalConfig(t *testing.T) {
	setEnvs(t, minimalEnvs())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, ожидается 8080", cfg.Port)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, ожидается Info", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q, ожидается json", cfg.LogFormat)
	}
	if cfg.MediaRoot != "/files" {
		t.Errorf("MediaRoot = %q, ожидается /files", cfg.MediaRoot)
	}
	if cfg.TokenTTL != time.Hour {
		t.Errorf("TokenTTL = %v, ожидается 1h", cfg.TokenTTL)
	}
	if cfg.FetchWorkers != 5 {
		t.Errorf("FetchWorkers = %d, ожидается 5", cfg.FetchWorkers)
	}
	if cfg.ThumbSize != 100 {
		t.Errorf("ThumbSize = %d, ожидается 100", cfg.ThumbSize)
	}
	if cfg.MaxSourcePixels != 40_000_000 {
		t.Errorf("MaxSourcePixels = %d, ожидается 40000000", cfg.MaxSourcePixels)
	}
	if cfg.JPEGQuality != 75 {
		t.Errorf("JPEGQuality = %d, ожидается 75", cfg.JPEGQuality)
	}
	if cfg.ProviderURL != "https://api.klingai.com/v1/videos/image2video" {
		t.Errorf("ProviderURL = %q", cfg.ProviderURL)
	}
	if cfg.ProviderTokenTTL != 30*time.Minute {
		t.Errorf("ProviderTokenTTL = %v, ожидается 30m", cfg.ProviderTokenTTL)
	}
	if cfg.ProviderModel != "kling-v1" {
		t.Errorf("ProviderModel = %q, ожидается kling-v1", cfg.ProviderModel)
	}
	if len(cfg.CORSAllowedOrigins) != 1 || cfg.CORSAllowedOrigins[0] != "*" {
		t.Errorf("CORSAllowedOrigins = %v, ожидается [*]", cfg.CORSAllowedOrigins)
	}
	if cfg.AuthEnabled() {
		t.Error("AuthEnabled() = true без MM_JWT_JWKS_URL")
	}
	if cfg.ShutdownTimeout != 5*time.Second {
		t.Errorf("ShutdownTimeout = %v, ожидается 5s", cfg.ShutdownTimeout)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	required := []string{
		"MM_DB_HOST", "MM_DB_NAME", "MM_DB_USER", "MM_DB_PASSWORD",
		"MM_TOKEN_SECRET", "MM_PROVIDER_ACCESS_KEY", "MM_PROVIDER_SECRET_KEY",
	}

	for _, key := range required {
		t.Run(key, func(t *testing.T) {
			envs := minimalEnvs()
			envs[key] = ""
			setEnvs(t, envs)

			_, err := Load()
			if err == nil {
				t.Fatalf("Load() без %s должен вернуть ошибку", key)
			}
			if !strings.Contains(err.Error(), key) {
				t.Errorf("ошибка %q не содержит имя переменной %s", err.Error(), key)
			}
		})
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"порт вне диапазона", "MM_PORT", "70000"},
		{"некорректный формат логов", "MM_LOG_FORMAT", "xml"},
		{"некорректный уровень логов", "MM_LOG_LEVEL", "trace"},
		{"короткий секрет", "MM_TOKEN_SECRET", "short"},
		{"ttl провайдера больше 30 минут", "MM_PROVIDER_TOKEN_TTL", "31m"},
		{"нулевой пул загрузок", "MM_FETCH_WORKERS", "0"},
		{"качество jpeg вне диапазона", "MM_JPEG_QUALITY", "101"},
		{"нулевой бюджет пикселей", "MM_MAX_SOURCE_PIXELS", "0"},
		{"нечисловой бюджет пикселей", "MM_MAX_SOURCE_PIXELS", "40M"},
		{"некорректный ssl mode", "MM_DB_SSL_MODE", "prefer"},
		{"некорректная длительность", "MM_FETCH_TIMEOUT", "ten seconds"},
		{"публичный URL без схемы", "MM_PUBLIC_BASE_URL", "memory.example.net"},
		{"ttl токена больше максимума", "MM_TOKEN_TTL", "720h"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envs := minimalEnvs()
			envs[tt.key] = tt.val
			setEnvs(t, envs)

			if _, err := Load(); err == nil {
				t.Errorf("Load() с %s=%q должен вернуть ошибку", tt.key, tt.val)
			}
		})
	}
}

func TestLoad_CustomValues(t *testing.T) {
	envs := minimalEnvs()
	envs["MM_PORT"] = "9000"
	envs["MM_LOG_LEVEL"] = "debug"
	envs["MM_LOG_FORMAT"] = "text"
	envs["MM_CORS_ALLOWED_ORIGINS"] = "https://a.example, https://b.example ,"
	envs["MM_PUBLIC_BASE_URL"] = "https://memory.example.net/"
	envs["MM_JWT_JWKS_URL"] = "https://idp.example/certs"
	envs["MM_FETCH_MAX_BYTES"] = "1048576"
	envs["MM_MAX_SOURCE_PIXELS"] = "1000000"
	setEnvs(t, envs)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("Port = %d, ожидается 9000", cfg.Port)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, ожидается Debug", cfg.LogLevel)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://b.example" {
		t.Errorf("CORSAllowedOrigins = %v", cfg.CORSAllowedOrigins)
	}
	if cfg.PublicBaseURL != "https://memory.example.net" {
		t.Errorf("PublicBaseURL = %q, ожидается без trailing slash", cfg.PublicBaseURL)
	}
	if !cfg.AuthEnabled() {
		t.Error("AuthEnabled() = false при заданном MM_JWT_JWKS_URL")
	}
	if cfg.FetchMaxBytes != 1<<20 {
		t.Errorf("FetchMaxBytes = %d, ожидается 1048576", cfg.FetchMaxBytes)
	}
	if cfg.MaxSourcePixels != 1_000_000 {
		t.Errorf("MaxSourcePixels = %d, ожидается 1000000", cfg.MaxSourcePixels)
	}
}

func TestDatabaseDSN(t *testing.T) {
	cfg := &Config{
		DBHost: "db", DBPort: 5433, DBName: "memory", DBUser: "u", DBPassword: "p@ss", DBSSLMode: "disable",
	}

	want := "host=db port=5433 dbname=memory user=u password=p@ss sslmode=disable"
	if got := cfg.DatabaseDSN(); got != want {
		t.Errorf("DatabaseDSN() = %q, ожидается %q", got, want)
	}

	// Пароль со спецсимволами экранируется в URL миграций
	if got := cfg.MigrateURL(); got != "pgx5://u:p%40ss@db:5433/memory?sslmode=disable" {
		t.Errorf("MigrateURL() = %q", got)
	}
	if got := cfg.DatabaseURL(); got != "postgres://db:5433/memory" {
		t.Errorf("DatabaseURL() = %q", got)
	}
}
