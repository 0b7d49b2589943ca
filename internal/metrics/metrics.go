// Package metrics provides Prometheus metrics collection for the call core.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jkindrix/callcore/internal/call"
	"github.com/jkindrix/callcore/internal/circuitbreaker"
)

// Outcome/status label values for metrics.
const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// Metrics holds all Prometheus metrics for the call core.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Call registry metrics
	CallsAdded            *prometheus.CounterVec
	CallsRemoved          *prometheus.CounterVec
	CallsLive             prometheus.Gauge
	StateTransitions      *prometheus.CounterVec
	UnexpectedTransitions *prometheus.CounterVec
	CanAddCall            prometheus.Gauge
	HandoversTotal        *prometheus.CounterVec
	CallLogEntries        *prometheus.CounterVec
	CallLogDropped        prometheus.Counter
	PeripheralRequests    *prometheus.CounterVec
	IncomingCallsFinished *prometheus.CounterVec
	OutgoingCallsFinished *prometheus.CounterVec
	OutgoingCallDuration  prometheus.Histogram
	PipelineStageDuration *prometheus.HistogramVec
	PolicyRejections      *prometheus.CounterVec
	FocusGrants           *prometheus.CounterVec
	FocusReleaseTimeouts  *prometheus.CounterVec
	WatchdogDisconnects   *prometheus.CounterVec
	AnomaliesReported     *prometheus.CounterVec

	// External service metrics
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec

	// Database metrics
	DBConnectionsOpen  prometheus.Gauge
	DBConnectionsInUse prometheus.Gauge
	DBQueryDuration    *prometheus.HistogramVec
	DBQueryErrors      *prometheus.CounterVec

	// Registry used for this metrics instance (nil means default registry)
	registry prometheus.Gatherer

	errorRates *ErrorRateTracker
}

// TrackErrorRates also feeds failures into t.
func (m *Metrics) TrackErrorRates(t *ErrorRateTracker) {
	m.errorRates = t
}

func (m *Metrics) recordError(category ErrorCategory) {
	if m.errorRates != nil {
		m.errorRates.RecordError(category)
	}
}

// NewMetrics creates a new Metrics instance with all collectors registered.
func NewMetrics() *Metrics {
	m := newMetricsWithRegistry(prometheus.DefaultRegisterer)
	m.registry = prometheus.DefaultGatherer
	return m
}

// NewMetricsWithRegistry creates metrics using a custom registry (for testing).
func NewMetricsWithRegistry(reg *prometheus.Registry) *Metrics {
	m := newMetricsWithRegistry(reg)
	m.registry = reg
	return m
}

func newMetricsWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)

	return &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcore_http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status code",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "callcore_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "callcore_http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed",
			},
		),

		// Call registry metrics
		CallsAdded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcore_calls_added_total",
				Help: "Calls admitted to the registry by direction",
			},
			[]string{"direction"},
		),
		CallsRemoved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcore_calls_removed_total",
				Help: "Calls removed from the registry by disconnect code",
			},
			[]string{"cause"},
		),
		CallsLive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "callcore_calls_registered",
				Help: "Number of calls currently in the registry",
			},
		),
		StateTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcore_call_state_transitions_total",
				Help: "Call state transitions by target state",
			},
			[]string{"state"},
		),
		UnexpectedTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcore_call_unexpected_transitions_total",
				Help: "Call state transitions outside the usual lifecycle",
			},
			[]string{"from", "to"},
		),
		CanAddCall: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "callcore_can_add_call",
				Help: "Whether the user may start another call (1) or not (0)",
			},
		),
		HandoversTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcore_handovers_total",
				Help: "Finished handovers by outcome",
			},
			[]string{"outcome"}, // "complete" or a failure reason
		),
		CallLogEntries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcore_call_log_entries_total",
				Help: "Call log entries written by kind and status",
			},
			[]string{"kind", "status"},
		),
		CallLogDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "callcore_call_log_dropped_total",
				Help: "Call log entries dropped because the write queue was full",
			},
		),
		PeripheralRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcore_peripheral_requests_total",
				Help: "Endpoint, streaming and transaction requests by outcome",
			},
			[]string{"component", "outcome"},
		),
		IncomingCallsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcore_incoming_calls_total",
				Help: "Incoming call admissions by outcome",
			},
			[]string{"outcome"}, // "admitted", "blocked", "auto_missed", "quiet_mode", ...
		),
		OutgoingCallsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcore_outgoing_calls_total",
				Help: "Outgoing call pipeline runs by outcome",
			},
			[]string{"outcome"},
		),
		OutgoingCallDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "callcore_outgoing_pipeline_duration_seconds",
				Help:    "Time from an outgoing call request to the end of its pipeline",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 15, 60},
			},
		),
		PipelineStageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "callcore_pipeline_stage_duration_seconds",
				Help:    "Duration of each outgoing pipeline stage",
				Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
			},
			[]string{"stage"},
		),
		PolicyRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcore_policy_rejections_total",
				Help: "Calls refused by the call count policy by reason",
			},
			[]string{"reason"},
		),
		FocusGrants: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcore_focus_grants_total",
				Help: "Connection service focus grants by component",
			},
			[]string{"component"},
		),
		FocusReleaseTimeouts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcore_focus_release_timeouts_total",
				Help: "Focus holders that did not release in time, by component",
			},
			[]string{"component"},
		),
		WatchdogDisconnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcore_watchdog_disconnects_total",
				Help: "Calls force-disconnected by the watchdog by stuck state",
			},
			[]string{"state", "emergency"},
		),
		AnomaliesReported: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcore_anomalies_total",
				Help: "Anomalies reported by id",
			},
			[]string{"id"},
		),

		// External service metrics
		CircuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "callcore_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"service"},
		),
		CircuitBreakerTrips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcore_circuit_breaker_trips_total",
				Help: "Total number of times a circuit breaker has tripped",
			},
			[]string{"service"},
		),

		// Database metrics
		DBConnectionsOpen: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "callcore_db_connections_open",
				Help: "Number of open database connections",
			},
		),
		DBConnectionsInUse: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "callcore_db_connections_in_use",
				Help: "Number of database connections currently in use",
			},
		),
		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "callcore_db_query_duration_seconds",
				Help:    "Duration of database queries",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"operation"}, // "select", "insert", "update", "delete"
		),
		DBQueryErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcore_db_query_errors_total",
				Help: "Total number of database query errors",
			},
			[]string{"operation"},
		),
	}
}

// Handler returns the Prometheus HTTP handler for scraping metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware returns an HTTP middleware that records request metrics.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()

		// Normalize path for metrics (avoid high cardinality)
		path := normalizePath(r.URL.Path)

		m.HTTPRequestsTotal.WithLabelValues(
			r.Method,
			path,
			strconv.Itoa(wrapped.statusCode),
		).Inc()

		m.HTTPRequestDuration.WithLabelValues(
			r.Method,
			path,
		).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.statusCode = http.StatusOK
		rw.written = true
	}
	return rw.ResponseWriter.Write(b)
}

// normalizePath normalizes URL paths to prevent high cardinality labels.
func normalizePath(path string) string {
	switch path {
	case "/", "/health", "/ready", "/live", "/metrics",
		"/api/v1/calls", "/api/v1/calllog", "/api/v1/simulate/incoming",
		"/api/v1/audio", "/api/v1/audio/endpoint", "/api/v1/streaming":
		return path
	}

	// /api/v1/{calls,calllog,simulate,streaming}/{id}[/action]
	for _, prefix := range []string{"/api/v1/calls/", "/api/v1/calllog/", "/api/v1/simulate/", "/api/v1/streaming/"} {
		rest, ok := strings.CutPrefix(path, prefix)
		if !ok || rest == "" {
			continue
		}
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return prefix + ":id/" + rest[i+1:]
		}
		return prefix + ":id"
	}
	if strings.HasPrefix(path, "/debug/") {
		return "/debug/*"
	}

	return path
}

// Call core hooks. Metrics implements callsmanager.Observer,
// anomaly.Counter and circuitbreaker.StateObserver.

// FocusGranted records a focus grant.
func (m *Metrics) FocusGranted(component string) {
	m.FocusGrants.WithLabelValues(component).Inc()
}

// FocusReleaseTimedOut records a focus holder that did not release in time.
func (m *Metrics) FocusReleaseTimedOut(component string) {
	m.FocusReleaseTimeouts.WithLabelValues(component).Inc()
	m.recordError(ErrorCategoryFocus)
}

// WatchdogDisconnected records a call forced out of a stuck state.
func (m *Metrics) WatchdogDisconnected(state call.State, emergency bool) {
	m.WatchdogDisconnects.WithLabelValues(state.String(), strconv.FormatBool(emergency)).Inc()
	m.recordError(ErrorCategoryWatchdog)
}

// OutgoingCallFinished records the end of an outgoing pipeline run.
func (m *Metrics) OutgoingCallFinished(outcome string, elapsed time.Duration) {
	m.OutgoingCallsFinished.WithLabelValues(outcome).Inc()
	m.OutgoingCallDuration.Observe(elapsed.Seconds())
}

// IncomingCallFinished records the admission outcome of an incoming call.
func (m *Metrics) IncomingCallFinished(outcome string) {
	m.IncomingCallsFinished.WithLabelValues(outcome).Inc()
}

// PipelineStageCompleted records the duration of one pipeline stage.
func (m *Metrics) PipelineStageCompleted(stage string, elapsed time.Duration) {
	m.PipelineStageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// PolicyRejected records a call refused by the count policy.
func (m *Metrics) PolicyRejected(reason string) {
	m.PolicyRejections.WithLabelValues(reason).Inc()
	m.recordError(ErrorCategoryPolicy)
}

// AnomalyReported counts an anomaly.
func (m *Metrics) AnomalyReported(id string) {
	m.AnomaliesReported.WithLabelValues(id).Inc()
}

// CircuitStateChanged tracks a breaker transition.
func (m *Metrics) CircuitStateChanged(name string, _, to circuitbreaker.State) {
	var v float64
	switch to {
	case circuitbreaker.StateHalfOpen:
		v = 1
	case circuitbreaker.StateOpen:
		v = 2
		m.CircuitBreakerTrips.WithLabelValues(name).Inc()
		m.recordError(ErrorCategoryExternal)
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// RecordCallLogEntry records a call log write.
func (m *Metrics) RecordCallLogEntry(kind string, err error) {
	status := outcomeSuccess
	if err != nil {
		status = outcomeFailure
		m.recordError(ErrorCategoryCallLog)
	}
	m.CallLogEntries.WithLabelValues(kind, status).Inc()
}

// RecordCallLogDropped records a call log entry dropped on a full queue.
func (m *Metrics) RecordCallLogDropped() {
	m.CallLogDropped.Inc()
}

// RecordPeripheralRequest records an endpoint, streaming or transaction
// request outcome.
func (m *Metrics) RecordPeripheralRequest(component string, err error) {
	outcome := outcomeSuccess
	if err != nil {
		outcome = outcomeFailure
	}
	m.PeripheralRequests.WithLabelValues(component, outcome).Inc()
}

// UpdateDBConnections updates database connection metrics.
func (m *Metrics) UpdateDBConnections(open, inUse int) {
	m.DBConnectionsOpen.Set(float64(open))
	m.DBConnectionsInUse.Set(float64(inUse))
}

// RecordDBQuery records a database query.
func (m *Metrics) RecordDBQuery(operation string, duration time.Duration, err error) {
	m.DBQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.DBQueryErrors.WithLabelValues(operation).Inc()
	}
}
