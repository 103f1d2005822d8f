package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)

	requestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// Business metrics — exported for use by the ports/call/alert packages
	CallsInitiatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_calls_initiated_total",
			Help: "Total calls initiated by direction and status",
		},
		[]string{"direction", "status"},
	)

	CallsEndedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_calls_ended_total",
			Help: "Total calls ended by terminal status",
		},
		[]string{"status"},
	)

	ActiveCalls = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_active_calls",
			Help: "Current number of active call sessions",
		},
	)

	PortsAvailable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_ports_available",
			Help: "Media ports currently available for lease",
		},
	)

	PortsLeased = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_ports_leased",
			Help: "Media ports currently leased to calls",
		},
	)

	PortUtilization = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_port_utilization_pct",
			Help: "Media port pool utilization percentage",
		},
	)

	EmergenciesDetectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_emergencies_detected_total",
			Help: "Emergency utterances detected by severity and category",
		},
		[]string{"severity", "category"},
	)

	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_alerts_total",
			Help: "Alert decisions by outcome (sent, suppressed)",
		},
		[]string{"outcome", "reason"},
	)

	TeardownStepFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_teardown_step_failures_total",
			Help: "Teardown step failures by step name",
		},
		[]string{"step"},
	)

	PanicsRecoveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_panics_recovered_total",
			Help: "Total number of recovered panics",
		},
	)
)

// Metrics returns a middleware that collects Prometheus metrics
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		status := strconv.Itoa(wrapped.statusCode)

		// Use Chi route pattern to avoid cardinality explosion from dynamic path segments
		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				endpoint = pattern
			}
		}
		// Normalize trailing slashes
		endpoint = strings.TrimRight(endpoint, "/")
		if endpoint == "" {
			endpoint = "/"
		}

		// Record metrics
		requestDuration.WithLabelValues(r.Method, endpoint, status).Observe(duration.Seconds())
		requestCount.WithLabelValues(r.Method, endpoint, status).Inc()
	})
}

// metricsResponseWriter wraps http.ResponseWriter to capture status code
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
