// Package config loads application configuration from an optional YAML file
// and environment variables.
//
// Defaults are applied first, then the file named by ODOMETER_CONFIG_FILE,
// then environment variables.
//
// Server settings:
//
//	ODOMETER_HOST="0.0.0.0"
//	ODOMETER_PORT="8080"
//	ODOMETER_SHUTDOWN_TIMEOUT="30s"
//
// Store settings:
//
//	ODOMETER_DATABASE_URL="postgres://localhost/odometer"  # selects the postgres driver
//	ODOMETER_DATABASE_DRIVER="memory"                       # postgres, memory
//	ODOMETER_STORE_TIMEOUT="5s"
//
// Cache settings:
//
//	ODOMETER_CACHE_ENABLED="true"
//	ODOMETER_CACHE_TTL="5m"
//	ODOMETER_REDIS_URL="redis://localhost:6379/0"  # shared cache, in-process LRU when empty
//
// Entitlement settings:
//
//	ODOMETER_PLATFORM_ADMIN_IDS="<uuid>,<uuid>"
//	ODOMETER_ACCOUNT_DELETION_GRACE_DAYS="30"
//	ODOMETER_ACTIVE_ORG_COOKIE="odometer_active_org"
//	ODOMETER_DOWNGRADE_SWEEP_SCHEDULE="*/15 * * * *"
//
// Observability settings:
//
//	ODOMETER_LOG_LEVEL="info"  # debug, info, warn, error
//	ODOMETER_METRICS_ENABLED="true"
//	ODOMETER_OTEL_ENABLED="true"
//	ODOMETER_OTEL_ENDPOINT="otel-collector:4317"
package config
