package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	storeDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	bodySizeBuckets      = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service. All
// recording helpers are safe to call on a nil *Metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Session metrics
	SessionsStartedTotal *prometheus.CounterVec
	SessionsActive       prometheus.Gauge
	SessionsExpiredTotal prometheus.Counter

	// Workflow metrics
	StepsAddedTotal         prometheus.Counter
	StepsRemovedTotal       prometheus.Counter
	StepsCompletedTotal     *prometheus.CounterVec
	ResultsRecordedTotal    prometheus.Counter
	LocationCapturesTotal   *prometheus.CounterVec
	WorkflowRejectionsTotal *prometheus.CounterVec

	// Snapshot store metrics
	SnapshotSavesTotal   *prometheus.CounterVec
	SnapshotSaveDuration *prometheus.HistogramVec
	SnapshotLoadsTotal   *prometheus.CounterVec

	// Batch directory metrics
	BatchDirectorySize         prometheus.Gauge
	BatchDirectoryReloadsTotal *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qualitrace_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qualitrace_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qualitrace_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qualitrace_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Sessions
		SessionsStartedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qualitrace_sessions_started_total",
			Help: "Total number of testing sessions started.",
		}, []string{"resumed"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qualitrace_sessions_active",
			Help: "Number of testing sessions currently held in memory.",
		}),
		SessionsExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qualitrace_sessions_expired_total",
			Help: "Total number of testing sessions discarded after idling.",
		}),

		// Workflow
		StepsAddedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qualitrace_steps_added_total",
			Help: "Total number of testing steps appended.",
		}),
		StepsRemovedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qualitrace_steps_removed_total",
			Help: "Total number of testing steps removed.",
		}),
		StepsCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qualitrace_steps_completed_total",
			Help: "Total number of testing steps completed.",
		}, []string{"all_steps_complete"}),
		ResultsRecordedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qualitrace_results_recorded_total",
			Help: "Total number of result entries written.",
		}),
		LocationCapturesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qualitrace_location_captures_total",
			Help: "Total number of location capture attempts.",
		}, []string{"status"}),
		WorkflowRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qualitrace_workflow_rejections_total",
			Help: "Total number of workflow operations rejected by a precondition.",
		}, []string{"operation", "code"}),

		// Snapshot store
		SnapshotSavesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qualitrace_snapshot_saves_total",
			Help: "Total number of workflow snapshot saves.",
		}, []string{"status"}),
		SnapshotSaveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qualitrace_snapshot_save_duration_seconds",
			Help:    "Workflow snapshot save duration in seconds.",
			Buckets: storeDurationBuckets,
		}, []string{"status"}),
		SnapshotLoadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qualitrace_snapshot_loads_total",
			Help: "Total number of workflow snapshot loads.",
		}, []string{"found"}),

		// Batch directory
		BatchDirectorySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qualitrace_batch_directory_size",
			Help: "Number of batches currently eligible for testing.",
		}),
		BatchDirectoryReloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qualitrace_batch_directory_reloads_total",
			Help: "Total batch directory reloads.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Sessions
		m.SessionsStartedTotal,
		m.SessionsActive,
		m.SessionsExpiredTotal,
		// Workflow
		m.StepsAddedTotal,
		m.StepsRemovedTotal,
		m.StepsCompletedTotal,
		m.ResultsRecordedTotal,
		m.LocationCapturesTotal,
		m.WorkflowRejectionsTotal,
		// Snapshot store
		m.SnapshotSavesTotal,
		m.SnapshotSaveDuration,
		m.SnapshotLoadsTotal,
		// Batch directory
		m.BatchDirectorySize,
		m.BatchDirectoryReloadsTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordSessionStart records a session start, noting whether it resumed a
// persisted snapshot.
func (m *Metrics) RecordSessionStart(resumed bool) {
	if m == nil {
		return
	}
	m.SessionsStartedTotal.WithLabelValues(strconv.FormatBool(resumed)).Inc()
}

// SetActiveSessions sets the number of sessions held in memory.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(n))
}

// RecordSessionsExpired records sessions discarded by the idle sweeper.
func (m *Metrics) RecordSessionsExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SessionsExpiredTotal.Add(float64(n))
}

// RecordStepAdded records an appended step.
func (m *Metrics) RecordStepAdded() {
	if m == nil {
		return
	}
	m.StepsAddedTotal.Inc()
}

// RecordStepRemoved records a removed step.
func (m *Metrics) RecordStepRemoved() {
	if m == nil {
		return
	}
	m.StepsRemovedTotal.Inc()
}

// RecordStepCompleted records a step completion.
func (m *Metrics) RecordStepCompleted(allStepsComplete bool) {
	if m == nil {
		return
	}
	m.StepsCompletedTotal.WithLabelValues(strconv.FormatBool(allStepsComplete)).Inc()
}

// RecordResult records a result entry write.
func (m *Metrics) RecordResult() {
	if m == nil {
		return
	}
	m.ResultsRecordedTotal.Inc()
}

// RecordLocationCapture records a location capture attempt.
func (m *Metrics) RecordLocationCapture(ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "unavailable"
	}
	m.LocationCapturesTotal.WithLabelValues(status).Inc()
}

// RecordRejection records a workflow operation rejected with the given code.
func (m *Metrics) RecordRejection(operation, code string) {
	if m == nil {
		return
	}
	m.WorkflowRejectionsTotal.WithLabelValues(operation, code).Inc()
}

// RecordSnapshotSave records a snapshot save outcome and latency.
func (m *Metrics) RecordSnapshotSave(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SnapshotSavesTotal.WithLabelValues(status).Inc()
	m.SnapshotSaveDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordSnapshotLoad records a snapshot load.
func (m *Metrics) RecordSnapshotLoad(found bool) {
	if m == nil {
		return
	}
	m.SnapshotLoadsTotal.WithLabelValues(strconv.FormatBool(found)).Inc()
}

// RecordDirectoryReload records a batch directory reload and its new size.
func (m *Metrics) RecordDirectoryReload(ok bool, size int) {
	if m == nil {
		return
	}
	if !ok {
		m.BatchDirectoryReloadsTotal.WithLabelValues("error").Inc()
		return
	}
	m.BatchDirectoryReloadsTotal.WithLabelValues("ok").Inc()
	m.BatchDirectorySize.Set(float64(size))
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
