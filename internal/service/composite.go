// composite.go — загрузка исходных изображений заказа и сборка merge.jpg.
//
// Pipeline:
//  1. Валидация входа (≥ 2 источника, http(s) URL, идентификатор заказа)
//  2. Параллельная загрузка в staging-директорию (не более FetchWorkers одновременно)
//  3. Композиция первых двух изображений в staging
//  4. Перенос файлов из staging в директорию заказа (rename, merge.jpg последним)
//
// При любой ошибке staging удаляется целиком, а прерванный перенос откатывается:
// частичных результатов не остаётся.
package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/gomemory/internal/compositor"
	"github.com/bigkaa/gomemory/internal/domain/media"
	"github.com/bigkaa/gomemory/internal/storage/filestore"
)

var (
	compositesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mm_composites_total",
		Help: "Количество сборок merge.jpg по результату.",
	}, []string{"result"})

	compositeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mm_composite_duration_seconds",
		Help:    "Длительность загрузки исходников и сборки композиции.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	})

	sourceDownloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mm_source_downloads_total",
		Help: "Загрузки исходных изображений по результату.",
	}, []string{"result"})
)

// FetchError — не удалось загрузить исходное изображение.
// StatusCode = 0, если ответа не было (сетевая ошибка).
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 && e.Err == nil {
		return fmt.Sprintf("загрузка %s: статус %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("загрузка %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// sourceName возвращает имя файла i-го исходника в директории заказа.
func sourceName(i int) string {
	switch i {
	case 0:
		return media.OriginalFileName
	case 1:
		return "model_image.jpg"
	case 2:
		return "product_image.jpg"
	default:
		return fmt.Sprintf("source_%d.jpg", i)
	}
}

// CompositeResult — результат сборки для заказа.
type CompositeResult struct {
	// Paths — пути относительно media root: [исходник 0, merge.jpg, исходники 2..n]
	Paths    []string
	MediaURL *SignedURL
}

// CompositeService — загрузка исходников и сборка merge.jpg.
type CompositeService struct {
	store      *filestore.FileStore
	compositor *compositor.Compositor
	media      *MediaService
	httpClient *http.Client
	workers    int
	maxBytes   int64
	logger     *slog.Logger
}

// NewCompositeService создаёт сервис. httpClient должен иметь таймаут на загрузку.
func NewCompositeService(
	store *filestore.FileStore,
	comp *compositor.Compositor,
	mediaSvc *MediaService,
	httpClient *http.Client,
	workers int,
	maxBytes int64,
	logger *slog.Logger,
) *CompositeService {
	if workers < 1 {
		workers = 1
	}
	return &CompositeService{
		store:      store,
		compositor: comp,
		media:      mediaSvc,
		httpClient: httpClient,
		workers:    workers,
		maxBytes:   maxBytes,
		logger:     logger.With(slog.String("component", "composite_service")),
	}
}

// CompositeOrder загружает изображения по urls в директорию заказа, собирает
// merge.jpg и возвращает пути вместе с подписанной ссылкой на merge.jpg.
func (s *CompositeService) CompositeOrder(ctx context.Context, orderID string, urls []string) (*CompositeResult, error) {
	dir, err := media.OrderDir(orderID)
	if err != nil {
		return nil, err
	}

	paths, err := s.FetchAndComposite(ctx, urls, dir)
	if err != nil {
		return nil, err
	}
	return s.result(paths)
}

// CompositeOrderUploads — вариант CompositeOrder для загруженных клиентом файлов.
func (s *CompositeService) CompositeOrderUploads(ctx context.Context, orderID string, images []io.Reader) (*CompositeResult, error) {
	if len(images) < compositor.MinSources {
		return nil, fmt.Errorf("%w: получено %d файлов", compositor.ErrInsufficientInput, len(images))
	}
	dir, err := media.OrderDir(orderID)
	if err != nil {
		return nil, err
	}

	paths, err := s.assemble(ctx, dir, len(images), func(ctx context.Context, i int, dst string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := s.store.SaveFile(dst, images[i], s.maxBytes)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.result(paths)
}

// FetchAndComposite загружает urls в destDir (относительно media root) и собирает
// merge.jpg из первых двух изображений. Меньше двух URL — ErrInsufficientInput без I/O.
func (s *CompositeService) FetchAndComposite(ctx context.Context, urls []string, destDir string) ([]string, error) {
	if len(urls) < compositor.MinSources {
		return nil, fmt.Errorf("%w: получено %d URL", compositor.ErrInsufficientInput, len(urls))
	}
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidSourceURL, raw)
		}
	}

	return s.assemble(ctx, destDir, len(urls), func(ctx context.Context, i int, dst string) error {
		return s.download(ctx, urls[i], dst)
	})
}

// assemble наполняет staging count исходниками через fill, собирает композицию
// и переносит всё в destDir. fill получает путь назначения относительно media root.
func (s *CompositeService) assemble(
	ctx context.Context,
	destDir string,
	count int,
	fill func(ctx context.Context, i int, dst string) error,
) ([]string, error) {
	start := time.Now()

	staging, err := s.store.MkdirStaging(destDir)
	if err != nil {
		compositesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	defer func() {
		if err := s.store.RemoveAll(staging); err != nil {
			s.logger.Warn("Не удалось удалить staging", slog.String("path", staging), slog.String("error", err.Error()))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i := 0; i < count; i++ {
		dst := path.Join(staging, sourceName(i))
		g.Go(func() error {
			return fill(gctx, i, dst)
		})
	}
	if err := g.Wait(); err != nil {
		compositesTotal.WithLabelValues("fetch_error").Inc()
		return nil, err
	}

	_, err = s.compositor.Composite(
		[]string{
			s.store.FullPath(path.Join(staging, sourceName(0))),
			s.store.FullPath(path.Join(staging, sourceName(1))),
		},
		s.store.FullPath(path.Join(staging, media.MergedFileName)),
	)
	if err != nil {
		compositesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("сборка композиции: %w", err)
	}

	names := make([]string, 0, count+1)
	names = append(names, sourceName(0), media.MergedFileName)
	for i := 2; i < count; i++ {
		names = append(names, sourceName(i))
	}

	// model_image.jpg тоже переносится, но в результат не входит.
	// merge.jpg последним: его появление означает готовность всего набора
	moves := []string{sourceName(1), sourceName(0)}
	for i := 2; i < count; i++ {
		moves = append(moves, sourceName(i))
	}
	moves = append(moves, media.MergedFileName)

	if err := s.store.Publish(staging, destDir, moves); err != nil {
		compositesTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = path.Join(destDir, name)
	}

	compositesTotal.WithLabelValues("ok").Inc()
	compositeDuration.Observe(time.Since(start).Seconds())
	s.logger.Info("Композиция собрана",
		slog.String("dir", destDir),
		slog.Int("sources", count),
		slog.Duration("duration", time.Since(start)),
	)

	return paths, nil
}

// download скачивает rawURL в dst (относительно media root) с ограничением размера.
func (s *CompositeService) download(ctx context.Context, rawURL, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		sourceDownloadsTotal.WithLabelValues("error").Inc()
		return &FetchError{URL: rawURL, Err: err}
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		sourceDownloadsTotal.WithLabelValues("error").Inc()
		// Отмена из-за ошибки соседней загрузки не логируется отдельно
		if ctx.Err() == nil {
			s.logger.Warn("Ошибка загрузки исходника",
				slog.String("url", rawURL),
				slog.String("error", err.Error()),
			)
		}
		return &FetchError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		sourceDownloadsTotal.WithLabelValues("bad_status").Inc()
		s.logger.Warn("Источник вернул ошибку",
			slog.String("url", rawURL),
			slog.Int("status", resp.StatusCode),
		)
		return &FetchError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	if _, err := s.store.SaveFile(dst, resp.Body, s.maxBytes); err != nil {
		sourceDownloadsTotal.WithLabelValues("error").Inc()
		s.logger.Warn("Ошибка чтения исходника",
			slog.String("url", rawURL),
			slog.String("error", err.Error()),
		)
		return &FetchError{URL: rawURL, StatusCode: resp.StatusCode, Err: err}
	}

	sourceDownloadsTotal.WithLabelValues("ok").Inc()
	return nil
}

func (s *CompositeService) result(paths []string) (*CompositeResult, error) {
	signed, err := s.media.Sign(paths[1], 0)
	if err != nil {
		return nil, fmt.Errorf("подпись ссылки на композицию: %w", err)
	}
	return &CompositeResult{Paths: paths, MediaURL: signed}, nil
}
