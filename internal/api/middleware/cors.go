// cors.go — CORS для браузерных клиентов (витрина и личный кабинет).
package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORS возвращает middleware, разрешающий запросы с указанных origins.
// "*" в списке разрешает любой origin. Preflight до обработчиков не доходит.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Range", HeaderRequestID},
		ExposedHeaders: []string{"Content-Length", "Content-Range", "Accept-Ranges", HeaderRequestID},
		MaxAge:         3600,
	})
}
