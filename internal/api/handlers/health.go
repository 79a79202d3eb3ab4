// health.go — health endpoints memory-media.
// /health/live — процесс жив
// /health/ready — PostgreSQL доступен; состояние остальных зависимостей из topologymetrics
// /metrics — Prometheus метрики
package handlers

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigkaa/gomemory/internal/config"
)

const serviceName = "memory-media"

// Статусы health check.
const (
	statusOK       = "ok"
	statusDegraded = "degraded"
	statusFail     = "fail"
)

// ReadinessChecker реализуется database.ReadinessChecker.
type ReadinessChecker interface {
	CheckReady() (status, message string)
}

// DependencyHealth — состояние зависимостей по данным topologymetrics.
type DependencyHealth interface {
	Health() map[string]bool
}

// HealthHandler обслуживает пробы Kubernetes и /metrics.
type HealthHandler struct {
	pgChecker   ReadinessChecker
	deps        DependencyHealth
	promHandler http.Handler
	startedAt   time.Time
}

// NewHealthHandler: при pgChecker == nil readiness всегда "fail", deps может быть nil.
func NewHealthHandler(pgChecker ReadinessChecker, deps DependencyHealth) *HealthHandler {
	return &HealthHandler{
		pgChecker:   pgChecker,
		deps:        deps,
		promHandler: promhttp.Handler(),
		startedAt:   time.Now(),
	}
}

type healthCheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// probeMeta — общие поля ответов проб.
type probeMeta struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

type healthLiveResponse struct {
	probeMeta
	UptimeSeconds int64 `json:"uptime_seconds"`
}

type healthReadyResponse struct {
	probeMeta
	Checks map[string]healthCheckResult `json:"checks"`
}

func newProbeMeta(status string) probeMeta {
	return probeMeta{
		Status:    status,
		Service:   serviceName,
		Version:   config.Version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// HealthLive отвечает 200, пока процесс обслуживает запросы.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthLiveResponse{
		probeMeta:     newProbeMeta(statusOK),
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	})
}

// HealthReady: 503 только без PostgreSQL. Недоступный провайдер видео
// понижает статус до degraded, под остаётся в балансировке.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	checks := make(map[string]healthCheckResult)

	pg := healthCheckResult{Status: statusFail, Message: "проверка PostgreSQL не настроена"}
	if h.pgChecker != nil {
		pg.Status, pg.Message = h.pgChecker.CheckReady()
	}
	checks["postgresql"] = pg
	statuses := []string{pg.Status}

	// postgresql уже проверен напрямую, dephealth дублирует его
	var depStates map[string]bool
	if h.deps != nil {
		depStates = h.deps.Health()
	}
	for name, healthy := range depStates {
		if name == "postgresql" {
			continue
		}
		res := healthCheckResult{Status: statusOK}
		if !healthy {
			res = healthCheckResult{Status: statusDegraded, Message: "зависимость недоступна"}
		}
		checks[name] = res
		statuses = append(statuses, res.Status)
	}

	resp := healthReadyResponse{probeMeta: newProbeMeta(overallStatus(statuses...)), Checks: checks}
	code := http.StatusOK
	if resp.Status == statusFail {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// GetMetrics отдаёт default registry Prometheus.
func (h *HealthHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.promHandler.ServeHTTP(w, r)
}

// overallStatus сворачивает статусы: fail важнее degraded, degraded важнее ok.
func overallStatus(statuses ...string) string {
	hasDegraded := false
	for _, s := range statuses {
		if s == statusFail {
			return statusFail
		}
		if s == statusDegraded {
			hasDegraded = true
		}
	}
	if hasDegraded {
		return statusDegraded
	}
	return statusOK
}
