// Package observability provides structured logging, Prometheus metrics, OpenTelemetry tracing,
// health checks and graceful shutdown.
//
// # Structured Logging
//
// Loggers are logrus loggers with a JSON formatter:
//
//	logger := observability.NewLogger("info", os.Stdout)
//	logger.WithField("org_id", orgID).Info("Organization provisioned")
//
// Request-scoped entries carry the request id and trace context:
//
//	observability.FromContext(ctx, logger).Warn("Store unavailable")
//
// # Prometheus Metrics
//
//	metrics := observability.NewMetrics(registry)
//	metrics.RecordDenial("can_edit")
//	metrics.RecordSelfHeal("provisioned")
//	router.Use(observability.HTTPMetricsMiddleware(metrics))
//
// All Record methods accept a nil *Metrics.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	router.HandleFunc("/healthz", checker.Liveness)
//	router.HandleFunc("/readyz", checker.Readiness)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "odometer",
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
//
//	ctx, span := observability.StartSpan(ctx, "membership.Resolve")
//	defer func() { observability.EndSpan(span, err) }()
package observability
