// media.go — выдача подписанных ссылок на медиафайлы и их проверка при скачивании.
// Файл отдаётся только если токен действителен и выдан ровно на запрошенный путь.
package service

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/gomemory/internal/domain/media"
	"github.com/bigkaa/gomemory/internal/storage/filestore"
	"github.com/bigkaa/gomemory/internal/token"
)

var mediaServedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mm_media_served_total",
	Help: "Запросы к медиафайлам по результату (ok, invalid_token, not_found).",
}, []string{"result"})

// mediaTypes дополняет системную таблицу mime: на минимальных образах её может не быть.
var mediaTypes = map[string]string{
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".wav":  "audio/wav",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
}

// ContentType определяет MIME-тип по расширению. Неизвестное — application/octet-stream.
func ContentType(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ct, ok := mediaTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// MediaFile — открытый медиафайл, готовый к отдаче. Вызывающий код закрывает File.
type MediaFile struct {
	File        *os.File
	Info        os.FileInfo
	Resource    string
	ContentType string
}

// SignedURL — подписанная ссылка на ресурс.
type SignedURL struct {
	URL       string    `json:"media_url"`
	Resource  string    `json:"resource"`
	ExpiresAt time.Time `json:"expires_at"`
}

// MediaService — доступ к медиафайлам по подписанным токенам.
type MediaService struct {
	store      *filestore.FileStore
	codec      *token.Codec
	baseURL    *url.URL
	defaultTTL time.Duration
	maxTTL     time.Duration
	logger     *slog.Logger
}

// NewMediaService создаёт сервис. publicBaseURL — внешний адрес сервера для ссылок.
func NewMediaService(
	store *filestore.FileStore,
	codec *token.Codec,
	publicBaseURL string,
	defaultTTL, maxTTL time.Duration,
	logger *slog.Logger,
) (*MediaService, error) {
	base, err := url.Parse(strings.TrimRight(publicBaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("некорректный публичный URL %q", publicBaseURL)
	}
	return &MediaService{
		store:      store,
		codec:      codec,
		baseURL:    base,
		defaultTTL: defaultTTL,
		maxTTL:     maxTTL,
		logger:     logger.With(slog.String("component", "media_service")),
	}, nil
}

// Open проверяет токен и открывает файл resourcePath (путь относительно media root).
//
// Порядок проверок:
//  1. Токен действителен и выдан на очищенный resourcePath, иначе ErrInvalidToken
//  2. Файл существует внутри корня и является обычным файлом, иначе ErrResourceNotFound
func (s *MediaService) Open(resourcePath, tok string) (*MediaFile, error) {
	name, ok := s.codec.Verify(tok)
	if !ok {
		mediaServedTotal.WithLabelValues("invalid_token").Inc()
		return nil, ErrInvalidToken
	}

	cleaned, err := filestore.CleanRelative(resourcePath)
	if err != nil {
		mediaServedTotal.WithLabelValues("not_found").Inc()
		return nil, ErrResourceNotFound
	}
	if name != cleaned {
		mediaServedTotal.WithLabelValues("invalid_token").Inc()
		s.logger.Warn("Токен выдан на другой ресурс",
			slog.String("resource", cleaned),
			slog.String("token_resource", name),
		)
		return nil, ErrInvalidToken
	}

	f, info, err := s.store.Open(cleaned)
	if err != nil {
		mediaServedTotal.WithLabelValues("not_found").Inc()
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("Медиафайл недоступен",
				slog.String("resource", cleaned),
				slog.String("error", err.Error()),
			)
		}
		return nil, ErrResourceNotFound
	}

	mediaServedTotal.WithLabelValues("ok").Inc()
	return &MediaFile{
		File:        f,
		Info:        info,
		Resource:    cleaned,
		ContentType: ContentType(cleaned),
	}, nil
}

// Sign выдаёт подписанную ссылку на resource. ttl = 0 — срок по умолчанию.
func (s *MediaService) Sign(resource string, ttl time.Duration) (*SignedURL, error) {
	if ttl == 0 {
		ttl = s.defaultTTL
	}
	if ttl < time.Second || ttl > s.maxTTL {
		return nil, fmt.Errorf("%w: %v (допустимо до %v)", ErrInvalidTTL, ttl, s.maxTTL)
	}

	cleaned, err := filestore.CleanRelative(resource)
	if err != nil {
		return nil, fmt.Errorf("ресурс %q: %w", resource, err)
	}

	tok, expiresAt := s.codec.IssueAt(cleaned, ttl)

	u := *s.baseURL
	u.Path = path.Join(u.Path, "/files", cleaned)
	u.RawQuery = url.Values{"token": {tok}}.Encode()

	return &SignedURL{
		URL:       u.String(),
		Resource:  cleaned,
		ExpiresAt: expiresAt,
	}, nil
}

// SignKind вычисляет путь ресурса через локатор и выдаёт на него ссылку.
// Существование файла не проверяется: ссылку можно выдать заранее.
func (s *MediaService) SignKind(kind media.Kind, ids media.IDs, ttl time.Duration) (*SignedURL, error) {
	resource, err := media.Locate(kind, ids)
	if err != nil {
		return nil, err
	}
	return s.Sign(resource, ttl)
}
