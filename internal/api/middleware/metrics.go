// metrics.go — Prometheus HTTP метрики.
// Регистрирует метрики: vv_http_requests_total, vv_http_request_duration_seconds.
// Нормализация путей предотвращает взрывной рост кардинальности.
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
	// httpRequestsTotal — общее количество HTTP-запросов.
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vv_http_requests_total",
			Help: "Общее количество HTTP-запросов к VitaVault",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDuration — гистограмма длительности HTTP-запросов.
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vv_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к VitaVault в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// MetricsMiddleware возвращает HTTP middleware для сбора Prometheus метрик.
// Записывает количество запросов и длительность для каждого endpoint.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			normalizedPath := normalizePath(r.URL.Path)

			wrapped := newMetricsResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(wrapped.statusCode)

			httpRequestsTotal.WithLabelValues(r.Method, normalizedPath, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, normalizedPath).Observe(duration)
		})
	}
}

// metricsResponseWriter — обёртка для перехвата статус-кода.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap позволяет http.ResponseController получить доступ к оригинальному ResponseWriter.
func (rw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// normalizePath заменяет идентификаторы в сегментах пути на плейсхолдеры
// для предотвращения взрывного роста кардинальности метрик.
// /api/v1/records/a1b2c3d4-... → /api/v1/records/{id}
// /api/v1/shared/4f3a... → /api/v1/shared/{token}
func normalizePath(path string) string {
	// Статические пути — возвращаем как есть
	switch path {
	case "/health/live", "/health/ready", "/metrics", "/api/v1/records", "/api/v1/scans":
		return path
	}

	const scansPrefix = "/api/v1/scans/"
	if strings.HasPrefix(path, scansPrefix) && len(path) > len(scansPrefix) {
		rest := path[len(scansPrefix):]
		if idx := strings.Index(rest, "/"); idx != -1 {
			switch rest[idx:] {
			case "/data":
				return "/api/v1/scans/{scanId}/data"
			case "/confirm":
				return "/api/v1/scans/{scanId}/confirm"
			case "/credential":
				return "/api/v1/scans/{scanId}/credential"
			case "/retry":
				return "/api/v1/scans/{scanId}/retry"
			}
		}
		return "/api/v1/scans/{scanId}"
	}

	const recordsPrefix = "/api/v1/records/"
	if strings.HasPrefix(path, recordsPrefix) && len(path) > len(recordsPrefix) {
		rest := path[len(recordsPrefix):]
		if idx := strings.Index(rest, "/"); idx != -1 {
			switch rest[idx:] {
			case "/shares":
				return "/api/v1/records/{id}/shares"
			default:
				return "/api/v1/records/{id}"
			}
		}
		return "/api/v1/records/{id}"
	}

	const sharedPrefix = "/api/v1/shared/"
	if strings.HasPrefix(path, sharedPrefix) && len(path) > len(sharedPrefix) {
		return "/api/v1/shared/{token}"
	}

	const sharesPrefix = "/api/v1/shares/"
	if strings.HasPrefix(path, sharesPrefix) && len(path) > len(sharesPrefix) {
		return "/api/v1/shares/{id}"
	}

	return path
}
