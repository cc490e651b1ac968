package orchestrator

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the orchestration core
type Metrics struct {
	// Decision metrics
	decisionsTotal  *prometheus.CounterVec
	decisionLatency *prometheus.HistogramVec
	decisionErrors  *prometheus.CounterVec

	// Fallback metrics
	fallbacksTotal      *prometheus.CounterVec
	fallbackDepth       prometheus.Histogram
	fallbackDegradation prometheus.Histogram

	// Component metrics
	componentsRegistered prometheus.Gauge
	componentHealth      *prometheus.GaugeVec
	breakerOpens         *prometheus.CounterVec

	// Resource metrics
	resourceUsage      *prometheus.GaugeVec
	resourceRejections *prometheus.CounterVec
	activeComponents   prometheus.Gauge

	// Configuration reload metrics
	configReloads *prometheus.CounterVec

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics instance with all core metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbiter_decisions_total",
				Help: "Total number of decisions processed by component and status",
			},
			[]string{"component", "status"},
		),

		decisionLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arbiter_decision_duration_seconds",
				Help:    "Decision execution latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"component"},
		),

		decisionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbiter_decision_errors_total",
				Help: "Total number of decision errors by type",
			},
			[]string{"component", "error_type"},
		),

		fallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbiter_fallbacks_total",
				Help: "Total number of fallbacks by trigger, terminal path, and resolved tier",
			},
			[]string{"trigger", "path", "tier"},
		),

		fallbackDepth: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "arbiter_fallback_depth",
				Help:    "Substitution depth of resolved fallbacks",
				Buckets: []float64{0, 1, 2, 3, 4, 5},
			},
		),

		fallbackDegradation: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "arbiter_fallback_degradation",
				Help:    "Quality degradation of fallback-resolved decisions",
				Buckets: []float64{0.05, 0.1, 0.2, 0.4, 0.6, 0.85, 1.0},
			},
		),

		componentsRegistered: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "arbiter_components_registered",
				Help: "Number of currently registered components",
			},
		),

		componentHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "arbiter_component_health_score",
				Help: "Latest health score per component",
			},
			[]string{"component"},
		),

		breakerOpens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbiter_breaker_opens_total",
				Help: "Total number of circuit breaker opens per component",
			},
			[]string{"component"},
		),

		resourceUsage: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "arbiter_resource_usage",
				Help: "Aggregate resource usage by dimension",
			},
			[]string{"dimension"},
		),

		resourceRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbiter_resource_rejections_total",
				Help: "Total number of admission rejections by component",
			},
			[]string{"component"},
		),

		activeComponents: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "arbiter_active_components",
				Help: "Number of components holding resource allocations",
			},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbiter_config_reloads_total",
				Help: "Total number of configuration reload attempts by status",
			},
			[]string{"status"},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbiter_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arbiter_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.decisionsTotal,
		m.decisionLatency,
		m.decisionErrors,
		m.fallbacksTotal,
		m.fallbackDepth,
		m.fallbackDegradation,
		m.componentsRegistered,
		m.componentHealth,
		m.breakerOpens,
		m.resourceUsage,
		m.resourceRejections,
		m.activeComponents,
		m.configReloads,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

// RecordDecision records a completed decision execution
func (m *Metrics) RecordDecision(component, status string, duration time.Duration) {
	m.decisionsTotal.WithLabelValues(component, status).Inc()
	m.decisionLatency.WithLabelValues(component).Observe(duration.Seconds())
}

// RecordDecisionError records a decision error by type
func (m *Metrics) RecordDecisionError(component, errorType string) {
	m.decisionErrors.WithLabelValues(component, errorType).Inc()
}

// RecordFallback records a resolved fallback
func (m *Metrics) RecordFallback(trigger, path string, tier, depth int, degradation float64) {
	m.fallbacksTotal.WithLabelValues(trigger, path, strconv.Itoa(tier)).Inc()
	m.fallbackDepth.Observe(float64(depth))
	m.fallbackDegradation.Observe(degradation)
}

// SetComponentsRegistered updates the registered component gauge
func (m *Metrics) SetComponentsRegistered(count int) {
	m.componentsRegistered.Set(float64(count))
}

// SetComponentHealth updates a component's health score gauge
func (m *Metrics) SetComponentHealth(component string, score float64) {
	m.componentHealth.WithLabelValues(component).Set(score)
}

// RemoveComponentHealth drops the health gauge for an unregistered component
func (m *Metrics) RemoveComponentHealth(component string) {
	m.componentHealth.DeleteLabelValues(component)
}

// RecordBreakerOpen records a circuit breaker opening
func (m *Metrics) RecordBreakerOpen(component string) {
	m.breakerOpens.WithLabelValues(component).Inc()
}

// SetResourceUsage updates the aggregate usage gauge for one dimension
func (m *Metrics) SetResourceUsage(dimension string, value float64) {
	m.resourceUsage.WithLabelValues(dimension).Set(value)
}

// RecordResourceRejection records a failed admission check
func (m *Metrics) RecordResourceRejection(component string) {
	m.resourceRejections.WithLabelValues(component).Inc()
}

// SetActiveComponents updates the active component gauge
func (m *Metrics) SetActiveComponents(count int) {
	m.activeComponents.Set(float64(count))
}

// RecordConfigReload records a configuration reload attempt
func (m *Metrics) RecordConfigReload(status string) {
	m.configReloads.WithLabelValues(status).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsMiddleware creates HTTP middleware that records request metrics
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		statusCode := strconv.Itoa(wrapped.statusCode)
		m.RecordHTTPRequest(r.Method, endpointName(r.URL.Path), statusCode, duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// endpointName extracts a normalized endpoint name from the path
func endpointName(path string) string {
	switch path {
	case "/healthz":
		return "healthz"
	case "/metrics":
		return "metrics"
	case "/v1/decide":
		return "decide"
	case "/v1/components":
		return "components"
	case "/v1/status":
		return "status"
	default:
		return "unknown"
	}
}
