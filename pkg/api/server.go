package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/odometer/pkg/httputil"
	"github.com/platinummonkey/odometer/pkg/middleware"
	"github.com/platinummonkey/odometer/pkg/observability"
)

// RouterConfig holds everything NewRouter wires together. RateLimit,
// Health, Metrics and Registry may be nil.
type RouterConfig struct {
	Identity  *middleware.IdentityMiddleware
	RateLimit *middleware.RateLimitMiddleware
	Tenant    *middleware.TenantMiddleware
	Orgs      *OrgHandlers
	Billing   *BillingHandlers
	Health    *observability.HealthChecker
	Metrics   *observability.Metrics
	Registry  *prometheus.Registry
	// MaxBodyBytes limits request bodies; zero disables the limit
	MaxBodyBytes int64
	Log          *logrus.Logger
}

// NewRouter builds the HTTP handler. Health and metrics endpoints are
// public; every other route requires an identity and a resolved tenant.
func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Log
	if log == nil {
		log = logrus.New()
	}

	router := mux.NewRouter()
	router.Use(observability.RecoveryMiddleware(log))
	router.Use(httputil.RequestIDMiddleware)
	if cfg.Metrics != nil {
		router.Use(observability.HTTPMetricsMiddleware(cfg.Metrics))
	}
	if cfg.MaxBodyBytes > 0 {
		router.Use(httputil.MaxBytesMiddleware(cfg.MaxBodyBytes))
	}

	if cfg.Health != nil {
		router.HandleFunc("/healthz", cfg.Health.Liveness).Methods("GET")
		router.HandleFunc("/readyz", cfg.Health.Readiness).Methods("GET")
	}
	if cfg.Registry != nil {
		router.Handle("/metrics", observability.MetricsHandler(cfg.Registry)).Methods("GET")
	}

	tenant := router.PathPrefix("/").Subrouter()
	tenant.Use(cfg.Identity.Handler)
	if cfg.RateLimit != nil {
		tenant.Use(cfg.RateLimit.Handler)
	}
	tenant.Use(cfg.Tenant.Handler)

	cfg.Orgs.RegisterRoutes(tenant)
	cfg.Billing.RegisterRoutes(tenant)

	return otelhttp.NewHandler(router, "odometer",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/healthz" && r.URL.Path != "/readyz" && r.URL.Path != "/metrics"
		}),
	)
}
