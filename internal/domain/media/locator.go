// Пакет media — виды медиаресурсов и их расположение относительно media root.
// Чистые функции без I/O: пакет вычисляет только «где», но не «существует ли».
package media

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// Kind — вид медиаресурса.
type Kind string

const (
	KindModelPhoto         Kind = "model_photo"
	KindBGMFile            Kind = "bgm_file"
	KindOriginalPhoto      Kind = "original_photo"
	KindFixedPhoto         Kind = "fixed_photo"
	KindMergedPhoto        Kind = "merged_photo"
	KindGeneratedVideo     Kind = "generated_video"
	KindFaceCorrectedVideo Kind = "face_corrected_video"
	KindFinalVideo         Kind = "final_video"
)

// Ошибки локатора.
var (
	// ErrUnknownResourceKind — вид ресурса не входит в перечисление.
	ErrUnknownResourceKind = errors.New("неизвестный вид ресурса")
	// ErrMissingIdentifier — не задан идентификатор, обязательный для вида.
	ErrMissingIdentifier = errors.New("не задан обязательный идентификатор")
	// ErrInvalidIdentifier — идентификатор не является безопасным сегментом пути.
	ErrInvalidIdentifier = errors.New("недопустимый идентификатор")
)

// IDs — частичный набор идентификаторов; каждому виду нужен свой поднабор.
type IDs struct {
	OrderID        string
	ProductID      string
	DetailID       string
	BranchNumber   string
	GenerationID   string
	SequenceNumber string
}

// Kinds возвращает все известные виды в порядке объявления.
func Kinds() []Kind {
	return []Kind{
		KindModelPhoto, KindBGMFile,
		KindOriginalPhoto, KindFixedPhoto, KindMergedPhoto,
		KindGeneratedVideo, KindFaceCorrectedVideo, KindFinalVideo,
	}
}

// ParseKind преобразует строку в Kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownResourceKind, s)
}

// videoSteps — номер шага конвейера для каждого вида видео.
var videoSteps = map[Kind]string{
	KindGeneratedVideo:     "step1",
	KindFaceCorrectedVideo: "step2",
	KindFinalVideo:         "step3",
}

// Имена файлов в директории заказа.
const (
	OriginalFileName = "original.jpg"
	FixedFileName    = "fixed.jpg"
	MergedFileName   = "merge.jpg"
)

var orderPhotos = map[Kind]string{
	KindOriginalPhoto: OriginalFileName,
	KindFixedPhoto:    FixedFileName,
	KindMergedPhoto:   MergedFileName,
}

// Locate возвращает путь ресурса относительно media root (разделитель "/").
func Locate(kind Kind, ids IDs) (string, error) {
	switch kind {
	case KindModelPhoto:
		if err := require(field{"product_id", ids.ProductID}); err != nil {
			return "", err
		}
		return path.Join("model", ids.ProductID+".jpg"), nil

	case KindBGMFile:
		if err := require(field{"product_id", ids.ProductID}); err != nil {
			return "", err
		}
		return path.Join("bgm", ids.ProductID), nil

	case KindOriginalPhoto, KindFixedPhoto, KindMergedPhoto:
		dir, err := OrderDir(ids.OrderID)
		if err != nil {
			return "", err
		}
		return path.Join(dir, orderPhotos[kind]), nil

	case KindGeneratedVideo, KindFaceCorrectedVideo, KindFinalVideo:
		if err := require(
			field{"order_id", ids.OrderID},
			field{"detail_id", ids.DetailID},
			field{"branch_number", ids.BranchNumber},
			field{"generation_id", ids.GenerationID},
			field{"sequence_number", ids.SequenceNumber},
		); err != nil {
			return "", err
		}
		return path.Join(
			"order", ids.OrderID, ids.DetailID, ids.BranchNumber, videoSteps[kind],
			ids.GenerationID+"-"+ids.SequenceNumber+".mp4",
		), nil

	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownResourceKind, string(kind))
	}
}

// OrderDir возвращает директорию заказа: order/{order_id}.
func OrderDir(orderID string) (string, error) {
	if err := require(field{"order_id", orderID}); err != nil {
		return "", err
	}
	return path.Join("order", orderID), nil
}

type field struct {
	name  string
	value string
}

// require проверяет по порядку, что каждый идентификатор задан и является одним сегментом пути.
func require(fields ...field) error {
	for _, f := range fields {
		if f.value == "" {
			return fmt.Errorf("%w: %s", ErrMissingIdentifier, f.name)
		}
		if !isSafeSegment(f.value) {
			return fmt.Errorf("%w: %s=%q", ErrInvalidIdentifier, f.name, f.value)
		}
	}
	return nil
}

func isSafeSegment(s string) bool {
	if s == "." || s == ".." || len(s) > 128 {
		return false
	}
	return !strings.ContainsAny(s, "/\\:\x00")
}
