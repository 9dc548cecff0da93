package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pitabwire/approvals/model"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	lockWaitBuckets     = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5}
	bodySizeBuckets     = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the approvals service.
// It satisfies workflow.Recorder.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow metrics
	RequestTransitionsTotal *prometheus.CounterVec
	DecisionsTotal          *prometheus.CounterVec
	StepActivationsTotal    *prometheus.CounterVec
	ReadinessChecksTotal    *prometheus.CounterVec
	ConditionFailuresTotal  prometheus.Counter
	LockWaitDuration        prometheus.Histogram

	// Idempotency metrics
	IdempotencyReplaysTotal *prometheus.CounterVec

	// System metrics
	GraphInstallsTotal *prometheus.CounterVec
	GraphsLoaded       prometheus.Gauge
	ReconcileRunsTotal *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "approvals_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "approvals_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "approvals_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflow
		RequestTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_request_transitions_total",
			Help: "Total number of request status transitions, by target status.",
		}, []string{"status"}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_decisions_total",
			Help: "Total number of approver decisions, by decision.",
		}, []string{"decision"}),
		StepActivationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_step_activations_total",
			Help: "Total number of steps activated.",
		}, []string{"workflow_type"}),
		ReadinessChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_readiness_checks_total",
			Help: "Total number of step readiness evaluations, by result.",
		}, []string{"ready"}),
		ConditionFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approvals_condition_failures_total",
			Help: "Total number of condition evaluations that failed closed.",
		}),
		LockWaitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "approvals_lock_wait_seconds",
			Help:    "Time spent waiting for a per-request lock.",
			Buckets: lockWaitBuckets,
		}),

		// Idempotency
		IdempotencyReplaysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_idempotency_replays_total",
			Help: "Total number of responses replayed from the idempotency store.",
		}, []string{"operation"}),

		// System
		GraphInstallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_graph_installs_total",
			Help: "Total graph installations.",
		}, []string{"status"}),
		GraphsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "approvals_graphs_loaded",
			Help: "Number of installed workflow graphs.",
		}),
		ReconcileRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_reconcile_runs_total",
			Help: "Total reconciliation sweeps.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Workflow
		m.RequestTransitionsTotal,
		m.DecisionsTotal,
		m.StepActivationsTotal,
		m.ReadinessChecksTotal,
		m.ConditionFailuresTotal,
		m.LockWaitDuration,
		// Idempotency
		m.IdempotencyReplaysTotal,
		// System
		m.GraphInstallsTotal,
		m.GraphsLoaded,
		m.ReconcileRunsTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordRequestTransition counts a request entering status.
func (m *Metrics) RecordRequestTransition(status model.RequestStatus) {
	m.RequestTransitionsTotal.WithLabelValues(string(status)).Inc()
}

// RecordDecision counts an approver decision.
func (m *Metrics) RecordDecision(decision model.ApprovalStatus) {
	m.DecisionsTotal.WithLabelValues(string(decision)).Inc()
}

// RecordStepActivation counts a step that received approval records.
func (m *Metrics) RecordStepActivation(workflowType string) {
	m.StepActivationsTotal.WithLabelValues(workflowType).Inc()
}

// RecordReadinessCheck counts a readiness evaluation.
func (m *Metrics) RecordReadinessCheck(ready bool) {
	m.ReadinessChecksTotal.WithLabelValues(strconv.FormatBool(ready)).Inc()
}

// RecordConditionFailure counts a condition that could not be evaluated.
func (m *Metrics) RecordConditionFailure() {
	m.ConditionFailuresTotal.Inc()
}

// RecordLockWait observes time spent acquiring a request lock.
func (m *Metrics) RecordLockWait(d time.Duration) {
	m.LockWaitDuration.Observe(d.Seconds())
}

// RecordIdempotencyReplay counts a cached response served for operation.
func (m *Metrics) RecordIdempotencyReplay(operation string) {
	m.IdempotencyReplaysTotal.WithLabelValues(operation).Inc()
}

// RecordGraphInstall records a graph installation attempt.
func (m *Metrics) RecordGraphInstall(status string) {
	m.GraphInstallsTotal.WithLabelValues(status).Inc()
}

// SetGraphsLoaded sets the number of installed graphs.
func (m *Metrics) SetGraphsLoaded(count float64) {
	m.GraphsLoaded.Set(count)
}

// RecordReconcile records a reconciliation sweep.
func (m *Metrics) RecordReconcile(status string) {
	m.ReconcileRunsTotal.WithLabelValues(status).Inc()
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
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
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
