package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ophthalmo_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ophthalmo_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Session metrics
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ophthalmo_active_sessions",
			Help: "Number of sessions currently held in memory",
		},
	)

	sessionsClearedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ophthalmo_sessions_cleared_total",
			Help: "Total number of sessions cleared, by reason",
		},
		[]string{"reason"},
	)

	ingestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ophthalmo_ingests_total",
			Help: "Total number of image ingest attempts",
		},
		[]string{"result"},
	)

	labelsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ophthalmo_labels_total",
			Help: "Total number of label assignments",
		},
		[]string{"label"},
	)

	sweepExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ophthalmo_sweep_expired_total",
			Help: "Total number of sessions expired by the idle sweep",
		},
	)

	sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ophthalmo_sweep_duration_seconds",
			Help:    "Idle sweep duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Audit metrics
	auditAppendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ophthalmo_audit_appends_total",
			Help: "Total number of audit record appends",
		},
		[]string{"result"},
	)

	// Export metrics
	exportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ophthalmo_exports_total",
			Help: "Total number of exports",
		},
		[]string{"kind", "result"},
	)

	exportDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ophthalmo_export_duration_seconds",
			Help:    "Export duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	exportBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ophthalmo_export_bytes",
			Help:    "Size of produced export archives",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		},
		[]string{"kind"},
	)

	// Transcription metrics
	transcriptionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ophthalmo_transcriptions_total",
			Help: "Total number of transcription requests",
		},
		[]string{"result"},
	)

	transcriptionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ophthalmo_transcription_duration_seconds",
			Help:    "Transcription request duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
	)

	initOnce sync.Once
)

// InitMetrics registers all metrics with Prometheus
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			activeSessions,
			sessionsClearedTotal,
			ingestsTotal,
			labelsTotal,
			sweepExpiredTotal,
			sweepDuration,
			auditAppendsTotal,
			exportsTotal,
			exportDuration,
			exportBytes,
			transcriptionsTotal,
			transcriptionDuration,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetActiveSessions sets the active sessions gauge
func SetActiveSessions(count int) {
	activeSessions.Set(float64(count))
}

// RecordSessionCleared counts a session leaving memory.
func RecordSessionCleared(reason string) {
	sessionsClearedTotal.WithLabelValues(reason).Inc()
}

// RecordIngest records an ingest attempt, "accepted" or "rejected".
func RecordIngest(result string) {
	ingestsTotal.WithLabelValues(result).Inc()
}

func RecordLabel(label string) {
	labelsTotal.WithLabelValues(label).Inc()
}

// RecordSweep records one idle sweep.
func RecordSweep(expired int, duration time.Duration) {
	sweepExpiredTotal.Add(float64(expired))
	sweepDuration.Observe(duration.Seconds())
}

func RecordAuditAppend(result string) {
	auditAppendsTotal.WithLabelValues(result).Inc()
}

// RecordExport records an export of the given kind ("item", "session",
// "table"). size is ignored unless the export succeeded.
func RecordExport(kind, result string, duration time.Duration, size int) {
	exportsTotal.WithLabelValues(kind, result).Inc()
	exportDuration.WithLabelValues(kind).Observe(duration.Seconds())
	if result == "ok" {
		exportBytes.WithLabelValues(kind).Observe(float64(size))
	}
}

// RecordTranscription records a transcription request
func RecordTranscription(result string, duration time.Duration) {
	transcriptionsTotal.WithLabelValues(result).Inc()
	transcriptionDuration.Observe(duration.Seconds())
}
