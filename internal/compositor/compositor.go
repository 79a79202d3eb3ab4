// Пакет compositor — склейка двух изображений в одно бок о бок.
//
// Каждый исходник приводится к RGBA и масштабируется до квадратной миниатюры
// (Catmull-Rom), миниатюры кладутся на прозрачный холст шириной в две миниатюры,
// результат сводится на непрозрачный белый фон и сохраняется в JPEG.
package compositor

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif" // регистрация GIF-декодера
	"image/jpeg"
	_ "image/png" // регистрация PNG-декодера
	"io"
	"log/slog"
	"os"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // регистрация WebP-декодера

	"github.com/bigkaa/gomemory/internal/storage/filestore"
)

// MinSources — минимальное количество исходников для композиции.
const MinSources = 2

// Значения по умолчанию.
const (
	DefaultThumbSize   = 100
	DefaultJPEGQuality = 75
	// DefaultMaxPixels — бюджет пикселей одного исходника (~160 МиБ в RGBA)
	DefaultMaxPixels = 40_000_000
)

var (
	// ErrInsufficientInput — передано меньше MinSources исходников.
	ErrInsufficientInput = errors.New("недостаточно исходных изображений для композиции")
	// ErrImageTooLarge — размеры исходника превышают бюджет пикселей.
	ErrImageTooLarge = errors.New("размеры исходного изображения превышают допустимые")
)

// Compositor склеивает изображения. Без состояния, безопасен для конкурентного использования.
type Compositor struct {
	thumbSize int
	quality   int
	maxPixels int64
	logger    *slog.Logger
}

// New создаёт Compositor. Нулевые thumbSize/quality/maxPixels заменяются значениями по умолчанию.
func New(thumbSize, quality int, maxPixels int64, logger *slog.Logger) *Compositor {
	if thumbSize <= 0 {
		thumbSize = DefaultThumbSize
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	return &Compositor{
		thumbSize: thumbSize,
		quality:   quality,
		maxPixels: maxPixels,
		logger:    logger.With(slog.String("component", "compositor")),
	}
}

// ThumbSize возвращает сторону миниатюры.
func (c *Compositor) ThumbSize() int {
	return c.thumbSize
}

// Composite склеивает первые два изображения из sources в output (JPEG).
// При меньше чем двух исходниках ничего не пишет и возвращает ErrInsufficientInput.
// Файл output создаётся атомарно: при ошибке прежнее содержимое не меняется.
func (c *Compositor) Composite(sources []string, output string) (string, error) {
	if len(sources) < MinSources {
		return "", fmt.Errorf("%w: получено %d, нужно %d", ErrInsufficientInput, len(sources), MinSources)
	}

	left, err := c.loadThumb(sources[0])
	if err != nil {
		return "", err
	}
	right, err := c.loadThumb(sources[1])
	if err != nil {
		return "", err
	}

	canvas := c.compose(left, right)

	err = filestore.WriteFileAtomic(output, func(w io.Writer) error {
		return jpeg.Encode(w, canvas, &jpeg.Options{Quality: c.quality})
	})
	if err != nil {
		return "", fmt.Errorf("сохранение композиции %s: %w", output, err)
	}

	c.logger.Debug("Композиция сохранена",
		slog.String("output", output),
		slog.String("left", sources[0]),
		slog.String("right", sources[1]),
	)

	return output, nil
}

// compose кладёт миниатюры на прозрачный холст и сводит его на белый фон.
func (c *Compositor) compose(left, right *image.RGBA) *image.RGBA {
	size := c.thumbSize

	// Прозрачный холст 2*size × size, миниатюры копируются вместе с альфой
	canvas := image.NewRGBA(image.Rect(0, 0, 2*size, size))
	draw.Draw(canvas, image.Rect(0, 0, size, size), left, image.Point{}, draw.Src)
	draw.Draw(canvas, image.Rect(size, 0, 2*size, size), right, image.Point{}, draw.Src)

	// Сведение: прозрачные участки становятся белыми, альфа = 255 везде
	flat := image.NewRGBA(canvas.Bounds())
	draw.Draw(flat, flat.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(flat, flat.Bounds(), canvas, image.Point{}, draw.Over)

	return flat
}

// loadThumb декодирует изображение и масштабирует его в квадрат thumbSize×thumbSize.
// Размеры проверяются по заголовку до выделения памяти под пиксели.
func (c *Compositor) loadThumb(path string) (*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("открытие исходника %s: %w", path, err)
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return nil, fmt.Errorf("декодирование исходника %s: %w", path, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("декодирование исходника %s: %w: размер %dx%d", path, image.ErrFormat, cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > c.maxPixels {
		return nil, fmt.Errorf("%w: %dx%d, допустимо не более %d пикселей",
			ErrImageTooLarge, cfg.Width, cfg.Height, c.maxPixels)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("чтение исходника %s: %w", path, err)
	}

	src, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("декодирование исходника %s: %w", path, err)
	}

	thumb := image.NewRGBA(image.Rect(0, 0, c.thumbSize, c.thumbSize))
	draw.CatmullRom.Scale(thumb, thumb.Bounds(), src, src.Bounds(), draw.Src, nil)

	c.logger.Debug("Исходник загружен",
		slog.String("path", path),
		slog.String("format", format),
		slog.Int("width", src.Bounds().Dx()),
		slog.Int("height", src.Bounds().Dy()),
	)

	return thumb, nil
}
