// logging.go — middleware логирования входящих HTTP-запросов через slog.
// Query-строка не логируется: в ней передаётся подписанный токен /files.
// В запись попадают шаблон маршрута chi и sub вызывающего сервиса.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// contextKeyRequestMeta — ключ requestMeta в контексте запроса.
const contextKeyRequestMeta contextKey = "request_meta"

// requestMeta заполняется внутренними middleware и читается логгером
// после обработки: контекст, созданный ниже по цепочке, логгеру не виден.
type requestMeta struct {
	subject string
}

// setRequestSubject сообщает логгеру запроса sub клиента.
func setRequestSubject(ctx context.Context, subject string) {
	if meta, ok := ctx.Value(contextKeyRequestMeta).(*requestMeta); ok {
		meta.subject = subject
	}
}

// routePattern возвращает шаблон маршрута chi ("/api/v1/videos/{task_id}").
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}

// statusRecorder — обёртка ResponseWriter, запоминающая статус и размер ответа.
// Используется и логированием, и метриками.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	if rec, ok := w.(*statusRecorder); ok {
		return rec
	}
	return &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Unwrap позволяет http.ResponseController получить доступ к оригинальному ResponseWriter.
func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// RequestLogger возвращает middleware, логирующий каждый HTTP-запрос.
// Уровень: INFO (1xx-3xx), WARN (4xx), ERROR (5xx).
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := newStatusRecorder(w)
			r = r.WithContext(context.WithValue(r.Context(), contextKeyRequestMeta, &requestMeta{}))

			next.ServeHTTP(rec, r)

			level := slog.LevelInfo
			switch {
			case rec.statusCode >= 500:
				level = slog.LevelError
			case rec.statusCode >= 400:
				level = slog.LevelWarn
			}

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Duration("duration", time.Since(start)),
				slog.Int64("bytes", rec.written),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("request_id", RequestIDFromContext(r.Context())),
			}
			if route := routePattern(r); route != "" {
				attrs = append(attrs, slog.String("route", route))
			}
			if subject := SubjectFromContext(r.Context()); subject != "" {
				attrs = append(attrs, slog.String("subject", subject))
			}
			logger.LogAttrs(r.Context(), level, "HTTP запрос", attrs...)
		})
	}
}
