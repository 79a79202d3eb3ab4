// metrics.go — Prometheus HTTP метрики memory-media:
// mm_http_requests_total, mm_http_request_duration_seconds.
// Идентификаторы в путях заменяются шаблонами, чтобы не раздувать кардинальность.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mm_http_requests_total",
			Help: "Общее количество HTTP-запросов к memory-media",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mm_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к memory-media в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// MetricsMiddleware возвращает HTTP middleware для сбора Prometheus метрик.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			path := normalizePath(r.URL.Path)

			rec := newStatusRecorder(w)
			next.ServeHTTP(rec, r)

			httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.statusCode)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// normalizePath приводит путь к шаблону маршрута.
// /files/order/42/merge.jpg → /files/{resource}
// /api/v1/orders/42/videos → /api/v1/orders/{order_id}/videos
// /api/v1/videos/abc → /api/v1/videos/{task_id}
// Неизвестные пути сворачиваются в "other".
func normalizePath(path string) string {
	switch path {
	case "/health/live", "/health/ready", "/metrics",
		"/api/v1/media-url", "/api/v1/videos":
		return path
	}

	if strings.HasPrefix(path, "/files/") {
		return "/files/{resource}"
	}

	if rest, ok := strings.CutPrefix(path, "/api/v1/orders/"); ok {
		parts := strings.Split(rest, "/")
		if len(parts) == 2 && parts[0] != "" {
			switch parts[1] {
			case "composite", "videos":
				return "/api/v1/orders/{order_id}/" + parts[1]
			}
		}
		return "other"
	}

	if rest, ok := strings.CutPrefix(path, "/api/v1/videos/"); ok && rest != "" && !strings.Contains(rest, "/") {
		return "/api/v1/videos/{task_id}"
	}

	return "other"
}
