package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "platform_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "platform_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Session metrics
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "platform_active_sessions",
			Help: "Number of generation sessions currently running",
		},
	)

	// Ingestion metrics
	ingestedUnitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "platform_ingested_units_total",
			Help: "Data units embedded into the vector store",
		},
		[]string{"status"},
	)

	ingestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "platform_ingest_duration_seconds",
			Help:    "Data unit ingestion duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	initOnce sync.Once
)

// InitMetrics registers the shared Prometheus metrics
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			activeSessions,
			ingestedUnitsTotal,
			ingestDuration,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// SessionStarted bumps the running session gauge
func SessionStarted() {
	activeSessions.Inc()
}

// SessionEnded lowers the running session gauge
func SessionEnded() {
	activeSessions.Dec()
}

// RecordIngest records one data unit ingestion
func RecordIngest(status string, duration time.Duration) {
	ingestedUnitsTotal.WithLabelValues(status).Inc()
	ingestDuration.Observe(duration.Seconds())
}
