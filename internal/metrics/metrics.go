// Package metrics exposes Prometheus collectors for the harvester service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	remoteRequestsTotal        *prometheus.CounterVec
	remoteRequestDuration      *prometheus.HistogramVec
	remoteRetriesTotal         *prometheus.CounterVec
	poolAcquireSeconds         prometheus.Histogram
	poolTransientClientsTotal  prometheus.Counter
	pagesTotal                 *prometheus.CounterVec
	authTotal                  *prometheus.CounterVec
	activeSessions             prometheus.Gauge
	rateLimitDelaySeconds      prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to call
// more than once.
func Init() {
	once.Do(func() {
		remoteRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_remote_requests_total",
				Help: "Requests sent to the listing service, labeled by endpoint and status code.",
			},
			[]string{"endpoint", "code"},
		)
		remoteRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_remote_request_duration_seconds",
				Help:    "Latency of listing service requests, labeled by endpoint.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
			},
			[]string{"endpoint"},
		)
		remoteRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_remote_retries_total",
				Help: "Retried listing service requests, labeled by endpoint.",
			},
			[]string{"endpoint"},
		)
		poolAcquireSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_client_pool_acquire_seconds",
				Help:    "Time spent waiting for a pooled HTTP client.",
				Buckets: []float64{0.001, 0.01, 0.1, 1, 5, 15, 30},
			},
		)
		poolTransientClientsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_client_pool_transient_total",
				Help: "Transient clients created because the pool was exhausted.",
			},
		)
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_pages_total",
				Help: "Listing pages fetched, labeled by outcome.",
			},
			[]string{"outcome"},
		)
		authTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_auth_total",
				Help: "Session authentications, labeled by outcome.",
			},
			[]string{"outcome"},
		)
		activeSessions = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_sessions",
				Help: "Sessions currently paginating.",
			},
		)
		rateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_delay_seconds",
				Help:    "Politeness delay applied between page requests.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
			},
		)
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)
		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of API request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRemoteRequest records one attempt against the listing service. A zero
// code means the attempt failed before a response arrived.
func ObserveRemoteRequest(endpoint string, code int, duration time.Duration) {
	Init()
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	remoteRequestsTotal.WithLabelValues(endpoint, label).Inc()
	remoteRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// ObserveRetry counts a retried request.
func ObserveRetry(endpoint string) {
	Init()
	remoteRetriesTotal.WithLabelValues(endpoint).Inc()
}

// ObservePoolAcquire records how long a client acquisition waited.
func ObservePoolAcquire(wait time.Duration, transient bool) {
	Init()
	poolAcquireSeconds.Observe(wait.Seconds())
	if transient {
		poolTransientClientsTotal.Inc()
	}
}

// ObservePage counts a fetched page by outcome (full, short, failed, empty).
func ObservePage(outcome string) {
	Init()
	pagesTotal.WithLabelValues(outcome).Inc()
}

// ObserveAuth counts an authentication attempt by outcome.
func ObserveAuth(success bool) {
	Init()
	outcome := "failure"
	if success {
		outcome = "success"
	}
	authTotal.WithLabelValues(outcome).Inc()
}

// IncActiveSessions increments the active session gauge.
func IncActiveSessions() {
	Init()
	activeSessions.Inc()
}

// DecActiveSessions decrements the active session gauge.
func DecActiveSessions() {
	Init()
	activeSessions.Dec()
}

// ObserveRateLimitDelay records the duration of a politeness wait.
func ObserveRateLimitDelay(duration time.Duration) {
	Init()
	rateLimitDelaySeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the API request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware is a chi middleware that records API request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, route, ww.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}
