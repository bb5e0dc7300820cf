// Package metrics exposes Prometheus metrics for the file manager.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fm_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fm_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	redirectCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fm_redirect_cache_lookups_total",
			Help: "Redirect cache lookups by result",
		},
		[]string{"result"},
	)

	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fm_deliveries_total",
			Help: "Public deliveries by outcome (redirect, stream, not_found, error)",
		},
		[]string{"outcome"},
	)

	variantFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fm_variant_fallbacks_total",
			Help: "Requests for a variant that were served from the original",
		},
	)

	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fm_uploads_total",
			Help: "Upload protocol steps by target, step and status",
		},
		[]string{"target", "step", "status"},
	)

	uploadedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fm_uploaded_bytes_total",
			Help: "Bytes committed through finalize",
		},
	)

	hookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fm_hook_deliveries_total",
			Help: "Write-event hook deliveries by status",
		},
		[]string{"status"},
	)
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordCacheLookup records a redirect cache hit or miss.
func RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	redirectCacheLookups.WithLabelValues(result).Inc()
}

// RecordDelivery records the outcome of a public delivery request.
func RecordDelivery(outcome string) {
	deliveriesTotal.WithLabelValues(outcome).Inc()
}

// RecordVariantFallback records a variant request served from the original.
func RecordVariantFallback() {
	variantFallbacksTotal.Inc()
}

// RecordUpload records an init or finalize step.
func RecordUpload(target, step string, success bool) {
	uploadsTotal.WithLabelValues(target, step, status(success)).Inc()
}

// RecordUploadedBytes adds committed bytes.
func RecordUploadedBytes(n int64) {
	if n > 0 {
		uploadedBytes.Add(float64(n))
	}
}

// RecordHookDelivery records one write-event delivery attempt chain.
func RecordHookDelivery(success bool) {
	hookDeliveries.WithLabelValues(status(success)).Inc()
}

// Middleware records request counts and durations labelled by chi route pattern,
// which keeps label cardinality independent of file uids.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(code)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
