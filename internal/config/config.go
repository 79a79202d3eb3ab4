// Пакет config — загрузка и валидация конфигурации memory-media
// из переменных окружения (префикс MM_).
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// MaxProviderTokenTTL — верхняя граница жизни JWT-assertion для провайдера видео.
const MaxProviderTokenTTL = 30 * time.Minute

// Config содержит все параметры конфигурации memory-media.
// После Load не изменяется и передаётся в конструкторы компонентов.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Таймауты HTTP-сервера
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	// Разрешённые CORS origins ("*" разрешает любые)
	CORSAllowedOrigins []string

	// --- PostgreSQL ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- Медиа ---

	// Корневая директория медиафайлов; за её пределы сервер не выходит
	MediaRoot string
	// Директория временных файлов (загрузки для провайдера)
	TempDir string
	// Публичный базовый URL для подписанных ссылок (https://memory.example.net)
	PublicBaseURL string

	// --- Подписанные токены ---

	// Секрет HMAC-SHA256 для токенов доступа к файлам
	TokenSecret string
	// Время жизни токена по умолчанию
	TokenTTL time.Duration
	// Максимально допустимый ttl, запрашиваемый через API
	TokenMaxTTL time.Duration

	// --- Загрузка исходных изображений и композиция ---

	// Количество параллельных загрузок
	FetchWorkers int
	// Таймаут одной загрузки
	FetchTimeout time.Duration
	// Максимальный размер одного изображения в байтах
	FetchMaxBytes int64
	// Максимум пикселей (ширина × высота) одного исходника композиции
	MaxSourcePixels int64
	// Сторона квадратной миниатюры в пикселях
	ThumbSize int
	// Качество JPEG (1-100)
	JPEGQuality int

	// --- Провайдер генерации видео ---

	// URL endpoint image2video
	ProviderURL string
	// Access key (iss в JWT)
	ProviderAccessKey string
	// Secret key (подпись HS256)
	ProviderSecretKey string
	// Таймаут одного запроса к провайдеру
	ProviderTimeout time.Duration
	// Время жизни JWT-assertion (не более 30 минут)
	ProviderTokenTTL time.Duration
	// Модель по умолчанию
	ProviderModel string
	// Путь для HTTP health-check провайдера (topologymetrics)
	ProviderHealthPath string

	// --- Кэш статусов задач ---

	TaskCacheSize int
	TaskCacheTTL  time.Duration

	// --- JWT (входящие запросы к /api/v1) ---

	// URL JWKS endpoint; пустая строка отключает аутентификацию
	JWTJWKSURL string
	// Ожидаемый issuer (пустая строка: не проверяется)
	JWTIssuer string
	// Путь к CA-сертификату для JWKS (опционально)
	JWTCACertPath       string
	JWKSClientTimeout   time.Duration
	JWKSRefreshInterval time.Duration
	JWTLeeway           time.Duration

	// --- topologymetrics ---

	DephealthGroup         string
	DephealthCheckInterval time.Duration

	// --- Graceful shutdown ---

	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	cfg.Port, err = getEnvInt("MM_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("MM_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("MM_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("MM_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("MM_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("MM_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("MM_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	cfg.HTTPReadTimeout, err = getEnvDuration("MM_HTTP_READ_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("MM_HTTP_READ_TIMEOUT: %w", err)
	}
	// Запись ответа включает синхронный вызов провайдера и загрузку исходников
	cfg.HTTPWriteTimeout, err = getEnvDuration("MM_HTTP_WRITE_TIMEOUT", 180*time.Second)
	if err != nil {
		return nil, fmt.Errorf("MM_HTTP_WRITE_TIMEOUT: %w", err)
	}
	cfg.HTTPIdleTimeout, err = getEnvDuration("MM_HTTP_IDLE_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("MM_HTTP_IDLE_TIMEOUT: %w", err)
	}

	cfg.CORSAllowedOrigins = parseCSV(getEnvDefault("MM_CORS_ALLOWED_ORIGINS", "*"))

	// --- PostgreSQL ---

	cfg.DBHost, err = getEnvRequired("MM_DB_HOST")
	if err != nil {
		return nil, err
	}
	cfg.DBPort, err = getEnvInt("MM_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("MM_DB_PORT: %w", err)
	}
	cfg.DBName, err = getEnvRequired("MM_DB_NAME")
	if err != nil {
		return nil, err
	}
	cfg.DBUser, err = getEnvRequired("MM_DB_USER")
	if err != nil {
		return nil, err
	}
	cfg.DBPassword, err = getEnvRequired("MM_DB_PASSWORD")
	if err != nil {
		return nil, err
	}
	cfg.DBSSLMode = getEnvDefault("MM_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("MM_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- Медиа ---

	cfg.MediaRoot, err = filepath.Abs(getEnvDefault("MM_MEDIA_ROOT", "/files"))
	if err != nil {
		return nil, fmt.Errorf("MM_MEDIA_ROOT: %w", err)
	}
	cfg.TempDir = getEnvDefault("MM_TEMP_DIR", os.TempDir())

	cfg.PublicBaseURL = strings.TrimRight(getEnvDefault("MM_PUBLIC_BASE_URL", "http://localhost:8080"), "/")
	if u, parseErr := url.Parse(cfg.PublicBaseURL); parseErr != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("MM_PUBLIC_BASE_URL: некорректный URL %q", cfg.PublicBaseURL)
	}

	// --- Подписанные токены ---

	cfg.TokenSecret, err = getEnvRequired("MM_TOKEN_SECRET")
	if err != nil {
		return nil, err
	}
	if len(cfg.TokenSecret) < 32 {
		return nil, fmt.Errorf("MM_TOKEN_SECRET: секрет короче 32 символов")
	}
	cfg.TokenTTL, err = getEnvDuration("MM_TOKEN_TTL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("MM_TOKEN_TTL: %w", err)
	}
	cfg.TokenMaxTTL, err = getEnvDuration("MM_TOKEN_MAX_TTL", 7*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("MM_TOKEN_MAX_TTL: %w", err)
	}
	if cfg.TokenTTL <= 0 || cfg.TokenTTL > cfg.TokenMaxTTL {
		return nil, fmt.Errorf("MM_TOKEN_TTL: значение %s вне диапазона (0, %s]", cfg.TokenTTL, cfg.TokenMaxTTL)
	}

	// --- Загрузка и композиция ---

	cfg.FetchWorkers, err = getEnvInt("MM_FETCH_WORKERS", 5)
	if err != nil {
		return nil, fmt.Errorf("MM_FETCH_WORKERS: %w", err)
	}
	if cfg.FetchWorkers < 1 || cfg.FetchWorkers > 64 {
		return nil, fmt.Errorf("MM_FETCH_WORKERS: значение %d вне допустимого диапазона 1-64", cfg.FetchWorkers)
	}
	cfg.FetchTimeout, err = getEnvDuration("MM_FETCH_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("MM_FETCH_TIMEOUT: %w", err)
	}
	cfg.FetchMaxBytes, err = getEnvInt64("MM_FETCH_MAX_BYTES", 20<<20)
	if err != nil {
		return nil, fmt.Errorf("MM_FETCH_MAX_BYTES: %w", err)
	}
	cfg.MaxSourcePixels, err = getEnvInt64("MM_MAX_SOURCE_PIXELS", 40_000_000)
	if err != nil {
		return nil, fmt.Errorf("MM_MAX_SOURCE_PIXELS: %w", err)
	}
	cfg.ThumbSize, err = getEnvInt("MM_THUMB_SIZE", 100)
	if err != nil {
		return nil, fmt.Errorf("MM_THUMB_SIZE: %w", err)
	}
	if cfg.ThumbSize < 16 || cfg.ThumbSize > 4096 {
		return nil, fmt.Errorf("MM_THUMB_SIZE: значение %d вне допустимого диапазона 16-4096", cfg.ThumbSize)
	}
	cfg.JPEGQuality, err = getEnvInt("MM_JPEG_QUALITY", 75)
	if err != nil {
		return nil, fmt.Errorf("MM_JPEG_QUALITY: %w", err)
	}
	if cfg.JPEGQuality < 1 || cfg.JPEGQuality > 100 {
		return nil, fmt.Errorf("MM_JPEG_QUALITY: значение %d вне допустимого диапазона 1-100", cfg.JPEGQuality)
	}

	// --- Провайдер видео ---

	cfg.ProviderURL = strings.TrimRight(
		getEnvDefault("MM_PROVIDER_URL", "https://api.klingai.com/v1/videos/image2video"), "/")
	cfg.ProviderAccessKey, err = getEnvRequired("MM_PROVIDER_ACCESS_KEY")
	if err != nil {
		return nil, err
	}
	cfg.ProviderSecretKey, err = getEnvRequired("MM_PROVIDER_SECRET_KEY")
	if err != nil {
		return nil, err
	}
	cfg.ProviderTimeout, err = getEnvDuration("MM_PROVIDER_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("MM_PROVIDER_TIMEOUT: %w", err)
	}
	cfg.ProviderTokenTTL, err = getEnvDuration("MM_PROVIDER_TOKEN_TTL", MaxProviderTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("MM_PROVIDER_TOKEN_TTL: %w", err)
	}
	if cfg.ProviderTokenTTL <= time.Minute || cfg.ProviderTokenTTL > MaxProviderTokenTTL {
		return nil, fmt.Errorf("MM_PROVIDER_TOKEN_TTL: значение %s вне диапазона (1m, 30m]", cfg.ProviderTokenTTL)
	}
	cfg.ProviderModel = getEnvDefault("MM_PROVIDER_MODEL", "kling-v1")
	cfg.ProviderHealthPath = getEnvDefault("MM_PROVIDER_HEALTH_PATH", "/")

	// --- Кэш задач ---

	cfg.TaskCacheSize, err = getEnvInt("MM_TASK_CACHE_SIZE", 1000)
	if err != nil {
		return nil, fmt.Errorf("MM_TASK_CACHE_SIZE: %w", err)
	}
	cfg.TaskCacheTTL, err = getEnvDuration("MM_TASK_CACHE_TTL", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("MM_TASK_CACHE_TTL: %w", err)
	}

	// --- JWT ---

	cfg.JWTJWKSURL = getEnvDefault("MM_JWT_JWKS_URL", "")
	cfg.JWTIssuer = getEnvDefault("MM_JWT_ISSUER", "")
	cfg.JWTCACertPath = getEnvDefault("MM_JWT_CA_CERT_PATH", "")
	cfg.JWKSClientTimeout, err = getEnvDuration("MM_JWKS_CLIENT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("MM_JWKS_CLIENT_TIMEOUT: %w", err)
	}
	cfg.JWKSRefreshInterval, err = getEnvDuration("MM_JWKS_REFRESH_INTERVAL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("MM_JWKS_REFRESH_INTERVAL: %w", err)
	}
	cfg.JWTLeeway, err = getEnvDuration("MM_JWT_LEEWAY", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("MM_JWT_LEEWAY: %w", err)
	}

	// --- topologymetrics ---

	cfg.DephealthGroup = getEnvDefault("MM_DEPHEALTH_GROUP", "memory")
	cfg.DephealthCheckInterval, err = getEnvDuration("MM_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("MM_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	cfg.ShutdownTimeout, err = getEnvDuration("MM_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("MM_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// AuthEnabled сообщает, включена ли JWT-аутентификация /api/v1.
func (c *Config) AuthEnabled() bool {
	return c.JWTJWKSURL != ""
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL PostgreSQL без пароля (для лейблов topologymetrics).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%d/%s", c.DBHost, c.DBPort, c.DBName)
}

// MigrateURL возвращает URL для golang-migrate (драйвер pgx5).
func (c *Config) MigrateURL() string {
	u := url.URL{
		Scheme:   "pgx5",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + c.DBSSLMode,
	}
	return u.String()
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	if n <= 0 {
		return 0, fmt.Errorf("значение должно быть положительным: %d", n)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// parseCSV разбирает строку, разделённую запятыми, на срез строк.
// Пробелы вокруг элементов убираются, пустые элементы игнорируются.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
