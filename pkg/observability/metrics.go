package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. Record methods are safe on a nil
// receiver so services can run without metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Entitlement metrics
	EntitlementDenialsTotal *prometheus.CounterVec
	SelfHealTotal           *prometheus.CounterVec

	// Lifecycle metrics
	LifecycleTransitionsTotal *prometheus.CounterVec

	// Cache metrics
	DirectoryCacheTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "odometer_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "odometer_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		EntitlementDenialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "odometer_entitlement_denials_total",
				Help: "Total number of denied entitlement checks",
			},
			[]string{"check"},
		),
		SelfHealTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "odometer_selfheal_total",
				Help: "Total number of organization self-healing attempts by outcome",
			},
			[]string{"outcome"},
		),

		LifecycleTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "odometer_lifecycle_transitions_total",
				Help: "Total number of subscription transitions by outcome",
			},
			[]string{"transition", "outcome"},
		),

		DirectoryCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "odometer_directory_cache_total",
				Help: "Membership directory cache lookups by result",
			},
			[]string{"result"},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "odometer_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "odometer_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.EntitlementDenialsTotal,
		m.SelfHealTotal,
		m.LifecycleTransitionsTotal,
		m.DirectoryCacheTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// RecordDenial counts a denied entitlement check
func (m *Metrics) RecordDenial(check string) {
	if m == nil {
		return
	}
	m.EntitlementDenialsTotal.WithLabelValues(check).Inc()
}

// RecordSelfHeal counts a self-healing outcome
func (m *Metrics) RecordSelfHeal(outcome string) {
	if m == nil {
		return
	}
	m.SelfHealTotal.WithLabelValues(outcome).Inc()
}

// RecordTransition counts a subscription transition attempt
func (m *Metrics) RecordTransition(transition string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.LifecycleTransitionsTotal.WithLabelValues(transition, outcome).Inc()
}

// RecordCache counts a directory cache lookup. result is hit, miss or error.
func (m *Metrics) RecordCache(result string) {
	if m == nil {
		return
	}
	m.DirectoryCacheTotal.WithLabelValues(result).Inc()
}

// ObserveDBStats updates the connection pool gauges
func (m *Metrics) ObserveDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// The path label is the mux route template so ids do not explode cardinality.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tmpl, err := route.GetPathTemplate(); err == nil {
					path = tmpl
				}
			}

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
