// request_id.go — сквозной X-Request-ID: принимается от клиента или генерируется (UUID v4).
package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// HeaderRequestID — заголовок идентификатора запроса.
const HeaderRequestID = "X-Request-ID"

// ContextKeyRequestID — ключ request id в контексте запроса.
const ContextKeyRequestID contextKey = "request_id"

// maxRequestIDLen ограничивает длину клиентского идентификатора в логах.
const maxRequestIDLen = 128

// RequestID возвращает middleware, который кладёт X-Request-ID в контекст
// и в заголовок ответа.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(HeaderRequestID)
			if id == "" || len(id) > maxRequestIDLen {
				id = uuid.NewString()
			}
			w.Header().Set(HeaderRequestID, id)

			ctx := context.WithValue(r.Context(), ContextKeyRequestID, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDFromContext извлекает request id из контекста запроса.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyRequestID).(string)
	return id
}
