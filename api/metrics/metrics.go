// Package metrics defines the Prometheus metrics for the hanami API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hanami_api_build_info",
			Help: "Build information of the Hanami API",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hanami_api_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hanami_api_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hanami_api_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Redemption metrics
	RedemptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hanami_api_redemptions_total",
			Help: "Total number of redemption attempts",
		},
		[]string{"outcome"}, // "completed", "failed_approve", "failed_redeem", "conflict", "invalid"
	)

	RedemptionStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hanami_api_redemption_duration_seconds",
			Help:    "Duration of end-to-end redemption attempts in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
		[]string{"outcome"},
	)

	// Distribution metrics
	DistributionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hanami_api_distributions_total",
			Help: "Total number of reward distribution dispatches",
		},
		[]string{"outcome"}, // "distributed", "blocked", "failed"
	)

	// Ledger read metrics
	SummaryFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hanami_api_summary_fetches_total",
			Help: "Total number of balance summary fetches",
		},
		[]string{"role", "source"}, // source: "cache", "ledger"
	)
)

// Middleware instruments HTTP requests with request count, duration, and
// in-flight gauges. Route patterns (not raw URLs) are used as the path label
// to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
