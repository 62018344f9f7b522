package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "threatmesh"

// Metrics holds Prometheus metrics for the coordinator
type Metrics struct {
	// Ingestion metrics
	ReportsAccepted *prometheus.CounterVec
	ReportsRejected *prometheus.CounterVec
	ReportsFailed   *prometheus.CounterVec
	Folds           *prometheus.CounterVec
	SubmitDuration  prometheus.Histogram
	WorkerQueue     prometheus.Gauge
	RateLimited     prometheus.Counter

	// Store metrics
	StoreAppends         *prometheus.CounterVec
	StoreAppendFailures  prometheus.Counter
	StoreAppendExhausted prometheus.Counter
	StoreAppendDuration  prometheus.Histogram
	StoreCacheLookups    *prometheus.CounterVec
	StoreHead            prometheus.Gauge
	Degraded             prometheus.Gauge

	// Fanout metrics
	Deliveries       *prometheus.CounterVec
	DeliveryDuration prometheus.Histogram
	LaggingSessions  prometheus.Gauge
	CatchUps         prometheus.Counter

	// Session metrics
	Sessions           *prometheus.GaugeVec
	SessionTransitions *prometheus.CounterVec

	// Integration metrics
	RelayPublished *prometheus.CounterVec
	HECEvents      *prometheus.CounterVec

	// System metrics
	GoroutineCount prometheus.Gauge
	MemoryUsage    prometheus.Gauge

	// API metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics registers the coordinator metrics on reg. Tests pass a fresh
// prometheus.NewRegistry() so instances never collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		ReportsAccepted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reports_accepted_total",
				Help:      "Reports folded and appended, by threat type",
			},
			[]string{"threat_type"},
		),
		ReportsRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reports_rejected_total",
				Help:      "Reports rejected by the codec, by reason",
			},
			[]string{"code"},
		),
		ReportsFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reports_failed_total",
				Help:      "Valid reports not accepted, by cause",
			},
			[]string{"cause"},
		),
		Folds: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "folds_total",
				Help:      "Deduplicator folds by outcome",
			},
			[]string{"outcome"},
		),
		SubmitDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "submit_duration_seconds",
				Help:      "Time from report receipt to acceptance",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
		),
		WorkerQueue: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_queue_depth",
				Help:      "Jobs waiting for a pipeline worker",
			},
		),
		RateLimited: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reports_rate_limited_total",
				Help:      "Reports refused by the per-device rate limiter",
			},
		),
		StoreAppends: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_appends_total",
				Help:      "Log entries appended by kind",
			},
			[]string{"kind"},
		),
		StoreAppendFailures: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_append_attempt_failures_total",
				Help:      "Failed append attempts, including ones later retried",
			},
		),
		StoreAppendExhausted: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_append_exhausted_total",
				Help:      "Appends abandoned after the retry ceiling",
			},
		),
		StoreAppendDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_append_duration_seconds",
				Help:      "Backend append latency",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
			},
		),
		StoreCacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_cache_lookups_total",
				Help:      "Current-state cache lookups by result",
			},
			[]string{"result"},
		),
		StoreHead: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "store_head_sequence",
				Help:      "Highest appended sequence number",
			},
		),
		Degraded: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "degraded",
				Help:      "1 while the coordinator refuses reports because the store is unavailable",
			},
		),
		Deliveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Delivery state transitions",
			},
			[]string{"state"},
		),
		DeliveryDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "delivery_duration_seconds",
				Help:      "Time from first attempt to ack",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
		),
		LaggingSessions: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "lagging_sessions",
				Help:      "Sessions currently catching up from the store",
			},
		),
		CatchUps: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catch_ups_total",
				Help:      "Completed catch-up passes",
			},
		),
		Sessions: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions",
				Help:      "Device sessions by state",
			},
			[]string{"state"},
		),
		SessionTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_transitions_total",
				Help:      "Session state transitions",
			},
			[]string{"to", "reason"},
		),
		RelayPublished: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_published_total",
				Help:      "Records published to the message bus",
			},
			[]string{"status"},
		),
		HECEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hec_events_total",
				Help:      "Events received on the HEC endpoint",
			},
			[]string{"status"},
		),
		GoroutineCount: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutine_count",
				Help:      "Current goroutine count",
			},
		),
		MemoryUsage: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"method", "route"},
		),
	}
}

// NewNopMetrics returns metrics bound to a private registry.
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// HTTPMiddleware records request counts and latency by chi route pattern.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		m.RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
		m.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
