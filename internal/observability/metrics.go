package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// JobsStartedTotal counts jobs admitted by type.
	JobsStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_started_total",
			Help: "Total number of jobs admitted",
		},
		[]string{"type"},
	)
	// JobsRunning is a gauge of the number of currently running jobs by type.
	JobsRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_running",
			Help: "Number of jobs currently running",
		},
		[]string{"type"},
	)
	// JobsCompletedTotal counts terminal job outcomes by type and state.
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_terminal_total",
			Help: "Total number of jobs reaching a terminal state",
		},
		[]string{"type", "state"},
	)

	// CreditsDebitedTotal counts credits debited at admission by job type.
	CreditsDebitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_debited_total",
			Help: "Total credits debited at job admission",
		},
		[]string{"type"},
	)
	// CreditsRefundedTotal counts credits refunded by reason.
	CreditsRefundedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_refunded_total",
			Help: "Total credits refunded",
		},
		[]string{"reason"},
	)

	// ScrapeWorkersActive is a gauge of live scrape workers across all users.
	ScrapeWorkersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scrape_workers_active",
			Help: "Number of live scrape workers",
		},
	)

	// AnalyzerRequestsTotal counts analyzer calls by operation and outcome.
	AnalyzerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyzer_requests_total",
			Help: "Total number of analyzer requests",
		},
		[]string{"operation", "outcome"},
	)

	// LogBusDroppedTotal counts log entries dropped by slow subscribers.
	LogBusDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "logbus_dropped_entries_total",
			Help: "Total log entries dropped on full subscriber buffers",
		},
	)
)

var registerOnce sync.Once

// InitMetrics registers all collectors with the default registry exactly once
// per process.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			JobsStartedTotal,
			JobsRunning,
			JobsCompletedTotal,
			CreditsDebitedTotal,
			CreditsRefundedTotal,
			ScrapeWorkersActive,
			AnalyzerRequestsTotal,
			LogBusDroppedTotal,
		)
	})
}

// HTTPMetricsMiddleware records request counts and durations per chi route.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
