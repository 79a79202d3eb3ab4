// uploads.go — разбор тел запросов: JSON или multipart/form-data.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"

	apierrors "github.com/bigkaa/gomemory/internal/api/errors"
)

// errUnsupportedMediaType — Content-Type не JSON и не multipart.
var errUnsupportedMediaType = errors.New("ожидается application/json или multipart/form-data")

// bodyKind определяет формат тела по Content-Type.
// Пустой Content-Type считается JSON.
func bodyKind(r *http.Request) (string, error) {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return "application/json", nil
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return "", errUnsupportedMediaType
	}
	switch mt {
	case "application/json", "multipart/form-data":
		return mt, nil
	default:
		return "", errUnsupportedMediaType
	}
}

// decodeJSON читает JSON-тело не длиннее maxJSONBody.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("пустое тело запроса")
		}
		return fmt.Errorf("некорректный JSON: %w", err)
	}
	return nil
}

// parseMultipart разбирает multipart-форму; общий размер ограничен
// maxMultipartFiles изображениями плюс запас на текстовые поля.
// Вызывающий код освобождает временные файлы через r.MultipartForm.RemoveAll.
func (h *APIHandler) parseMultipart(w http.ResponseWriter, r *http.Request) error {
	if h.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes*maxMultipartFiles+1<<20)
	}
	return r.ParseMultipartForm(multipartMemory)
}

// openParts открывает все файлы поля field. Возвращает функцию закрытия.
func openParts(form *multipart.Form, field string) ([]multipart.File, func(), error) {
	headers := form.File[field]
	files := make([]multipart.File, 0, len(headers))
	closeAll := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}

	if len(headers) > maxMultipartFiles {
		return nil, closeAll, fmt.Errorf("поле %s: не более %d файлов", field, maxMultipartFiles)
	}
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return nil, closeAll, fmt.Errorf("открытие части %s: %w", fh.Filename, err)
		}
		files = append(files, f)
	}
	return files, closeAll, nil
}

// writeBodyError отвечает на ошибку разбора тела: 413 при превышении
// лимита, иначе 400.
func writeBodyError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		apierrors.FileTooLarge(w, "Размер запроса превышает допустимый")
		return
	}
	apierrors.ValidationError(w, err.Error())
}
