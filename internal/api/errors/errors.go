// Пакет errors — ответы с ошибками в едином формате memory-media:
// {"error": {"code": "...", "message": "..."}}.
// Все HTTP-ответы с ошибками пишутся через WriteError.
package errors

import (
	"encoding/json"
	"net/http"
)

// Машиночитаемые коды ошибок.
const (
	CodeValidationError   = "VALIDATION_ERROR"
	CodeNotFound          = "NOT_FOUND"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeInvalidToken      = "INVALID_TOKEN"
	CodeFileTooLarge      = "FILE_TOO_LARGE"
	CodeUpstreamTransport = "UPSTREAM_TRANSPORT_ERROR"
	CodeUpstreamFetch     = "UPSTREAM_FETCH_FAILED"
	CodeUpstreamBusiness  = "UPSTREAM_BUSINESS_ERROR"
	CodeInternalError     = "INTERNAL_ERROR"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError записывает ответ ошибки.
// statusCode — HTTP статус-код, code — машиночитаемый код, message — описание.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// --- Конструкторы для типичных ошибок ---

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// NotFound — 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// Unauthorized — 401 требуется аутентификация.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// InvalidToken — 403 подписанная ссылка недействительна или просрочена.
func InvalidToken(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeInvalidToken, message)
}

// FileTooLarge — 413 загрузка превышает допустимый размер.
func FileTooLarge(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusRequestEntityTooLarge, CodeFileTooLarge, message)
}

// UpstreamTransport — 502 провайдер недоступен или ответил не-2xx.
func UpstreamTransport(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadGateway, CodeUpstreamTransport, message)
}

// UpstreamFetch — 400 не удалось загрузить изображение по URL клиента.
func UpstreamFetch(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeUpstreamFetch, message)
}

// UpstreamBusiness — 400 провайдер отклонил запрос (code != 0).
func UpstreamBusiness(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeUpstreamBusiness, message)
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
