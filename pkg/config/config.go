package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Store drivers
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Cache         CacheConfig         `yaml:"cache"`
	Entitlements  EntitlementsConfig  `yaml:"entitlements"`
	Jobs          JobsConfig          `yaml:"jobs"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// DatabaseConfig selects and tunes the organization store
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	// AutoMigrate applies schema migrations on startup
	AutoMigrate bool `yaml:"auto_migrate"`
}

// RedisConfig configures the shared membership cache. An empty URL keeps
// the cache in process.
type RedisConfig struct {
	URL        string `yaml:"url"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	PoolSize   int    `yaml:"pool_size"`
	MaxRetries int    `yaml:"max_retries"`
}

// CacheConfig configures the membership directory cache
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	Size    int           `yaml:"size"`
	TTL     time.Duration `yaml:"ttl"`
}

// EntitlementsConfig holds the membership and lifecycle settings
type EntitlementsConfig struct {
	PlatformAdminIDs         []string      `yaml:"platform_admin_ids"`
	AccountDeletionGraceDays int           `yaml:"account_deletion_grace_days"`
	ActiveOrgCookie          string        `yaml:"active_org_cookie"`
	ActiveOrgCookieSecure    bool          `yaml:"active_org_cookie_secure"`
	StoreTimeout             time.Duration `yaml:"store_timeout"`
	AuditToDatabase          bool          `yaml:"audit_to_database"`
}

// JobsConfig configures background jobs
type JobsConfig struct {
	DowngradeSweepEnabled  bool   `yaml:"downgrade_sweep_enabled"`
	DowngradeSweepSchedule string `yaml:"downgrade_sweep_schedule"`
}

// RateLimitConfig configures per-caller request limits. Limits are shared
// through Redis when it is configured.
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerWindow int           `yaml:"requests_per_window"`
	Window            time.Duration `yaml:"window"`
	Burst             int           `yaml:"burst"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel string `yaml:"log_level"`

	MetricsEnabled bool `yaml:"metrics_enabled"`

	OTelEnabled        bool   `yaml:"otel_enabled"`
	OTelEndpoint       string `yaml:"otel_endpoint"`
	OTelServiceName    string `yaml:"otel_service_name"`
	OTelServiceVersion string `yaml:"otel_service_version"`
	OTelInsecure       bool   `yaml:"otel_insecure"`
}

// DefaultConfig returns the configuration used when nothing is set
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Database: DatabaseConfig{
			Driver:          DriverMemory,
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			AutoMigrate:     true,
		},
		Redis: RedisConfig{
			PoolSize:   10,
			MaxRetries: 3,
		},
		Cache: CacheConfig{
			Enabled: true,
			Size:    10000,
			TTL:     5 * time.Minute,
		},
		Entitlements: EntitlementsConfig{
			AccountDeletionGraceDays: 30,
			ActiveOrgCookie:          "odometer_active_org",
			ActiveOrgCookieSecure:    true,
			StoreTimeout:             5 * time.Second,
		},
		Jobs: JobsConfig{
			DowngradeSweepEnabled:  true,
			DowngradeSweepSchedule: "*/15 * * * *",
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerWindow: 600,
			Window:            time.Minute,
			Burst:             30,
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "odometer",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
		},
	}
}

// LoadConfig loads defaults, then the YAML file named by ODOMETER_CONFIG_FILE
// if set, then environment variables
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("ODOMETER_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	s := &c.Server
	s.Host = getEnv("ODOMETER_HOST", s.Host)
	s.Port = getEnv("ODOMETER_PORT", s.Port)
	s.ReadTimeout = getEnvDuration("ODOMETER_READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration("ODOMETER_WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration("ODOMETER_IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration("ODOMETER_SHUTDOWN_TIMEOUT", s.ShutdownTimeout)
	s.MaxBodyBytes = getEnvInt64("ODOMETER_MAX_BODY_BYTES", s.MaxBodyBytes)

	d := &c.Database
	d.URL = getEnv("ODOMETER_DATABASE_URL", d.URL)
	if d.URL != "" && os.Getenv("ODOMETER_DATABASE_DRIVER") == "" {
		d.Driver = DriverPostgres
	}
	d.Driver = getEnv("ODOMETER_DATABASE_DRIVER", d.Driver)
	d.MaxOpenConns = getEnvInt("ODOMETER_DATABASE_MAX_OPEN_CONNS", d.MaxOpenConns)
	d.MaxIdleConns = getEnvInt("ODOMETER_DATABASE_MAX_IDLE_CONNS", d.MaxIdleConns)
	d.ConnMaxLifetime = getEnvDuration("ODOMETER_DATABASE_CONN_MAX_LIFETIME", d.ConnMaxLifetime)
	d.AutoMigrate = getEnvBool("ODOMETER_DATABASE_AUTO_MIGRATE", d.AutoMigrate)

	r := &c.Redis
	r.URL = getEnv("ODOMETER_REDIS_URL", r.URL)
	r.Password = getEnv("ODOMETER_REDIS_PASSWORD", r.Password)
	r.DB = getEnvInt("ODOMETER_REDIS_DB", r.DB)
	r.PoolSize = getEnvInt("ODOMETER_REDIS_POOL_SIZE", r.PoolSize)
	r.MaxRetries = getEnvInt("ODOMETER_REDIS_MAX_RETRIES", r.MaxRetries)

	ca := &c.Cache
	ca.Enabled = getEnvBool("ODOMETER_CACHE_ENABLED", ca.Enabled)
	ca.Size = getEnvInt("ODOMETER_CACHE_SIZE", ca.Size)
	ca.TTL = getEnvDuration("ODOMETER_CACHE_TTL", ca.TTL)

	e := &c.Entitlements
	if ids := getEnv("ODOMETER_PLATFORM_ADMIN_IDS", ""); ids != "" {
		e.PlatformAdminIDs = splitList(ids)
	}
	e.AccountDeletionGraceDays = getEnvInt("ODOMETER_ACCOUNT_DELETION_GRACE_DAYS", e.AccountDeletionGraceDays)
	e.ActiveOrgCookie = getEnv("ODOMETER_ACTIVE_ORG_COOKIE", e.ActiveOrgCookie)
	e.ActiveOrgCookieSecure = getEnvBool("ODOMETER_ACTIVE_ORG_COOKIE_SECURE", e.ActiveOrgCookieSecure)
	e.StoreTimeout = getEnvDuration("ODOMETER_STORE_TIMEOUT", e.StoreTimeout)
	e.AuditToDatabase = getEnvBool("ODOMETER_AUDIT_TO_DATABASE", e.AuditToDatabase)

	j := &c.Jobs
	j.DowngradeSweepEnabled = getEnvBool("ODOMETER_DOWNGRADE_SWEEP_ENABLED", j.DowngradeSweepEnabled)
	j.DowngradeSweepSchedule = getEnv("ODOMETER_DOWNGRADE_SWEEP_SCHEDULE", j.DowngradeSweepSchedule)

	rl := &c.RateLimit
	rl.Enabled = getEnvBool("ODOMETER_RATE_LIMIT_ENABLED", rl.Enabled)
	rl.RequestsPerWindow = getEnvInt("ODOMETER_RATE_LIMIT_REQUESTS", rl.RequestsPerWindow)
	rl.Window = getEnvDuration("ODOMETER_RATE_LIMIT_WINDOW", rl.Window)
	rl.Burst = getEnvInt("ODOMETER_RATE_LIMIT_BURST", rl.Burst)

	o := &c.Observability
	o.LogLevel = getEnv("ODOMETER_LOG_LEVEL", o.LogLevel)
	o.MetricsEnabled = getEnvBool("ODOMETER_METRICS_ENABLED", o.MetricsEnabled)
	o.OTelEnabled = getEnvBool("ODOMETER_OTEL_ENABLED", o.OTelEnabled)
	o.OTelEndpoint = getEnv("ODOMETER_OTEL_ENDPOINT", o.OTelEndpoint)
	o.OTelServiceName = getEnv("ODOMETER_OTEL_SERVICE_NAME", o.OTelServiceName)
	o.OTelServiceVersion = getEnv("ODOMETER_OTEL_SERVICE_VERSION", o.OTelServiceVersion)
	o.OTelInsecure = getEnvBool("ODOMETER_OTEL_INSECURE", o.OTelInsecure)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("max body bytes must be positive")
	}

	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("database URL is required for postgres driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("invalid database driver: %s (must be postgres or memory)", c.Database.Driver)
	}
	if c.Entitlements.AuditToDatabase && c.Database.Driver != DriverPostgres {
		return fmt.Errorf("database audit log requires the postgres driver")
	}

	if c.Cache.Enabled && c.Cache.TTL <= 0 {
		return fmt.Errorf("cache TTL must be positive when the cache is enabled")
	}

	if _, err := c.AdminIDs(); err != nil {
		return err
	}
	if c.Entitlements.AccountDeletionGraceDays <= 0 {
		return fmt.Errorf("account deletion grace days must be positive")
	}
	if c.Entitlements.ActiveOrgCookie == "" {
		return fmt.Errorf("active org cookie name is required")
	}
	if c.Entitlements.StoreTimeout <= 0 {
		return fmt.Errorf("store timeout must be positive")
	}

	if c.Jobs.DowngradeSweepEnabled {
		if _, err := cron.ParseStandard(c.Jobs.DowngradeSweepSchedule); err != nil {
			return fmt.Errorf("invalid downgrade sweep schedule: %w", err)
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate limit requests and window must be positive")
		}
		if c.RateLimit.Burst < 0 {
			return fmt.Errorf("rate limit burst must not be negative")
		}
	}

	if _, err := logrus.ParseLevel(c.Observability.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// AdminIDs parses the platform admin user ids
func (c *Config) AdminIDs() ([]uuid.UUID, error) {
	var errs []error
	ids := make([]uuid.UUID, 0, len(c.Entitlements.PlatformAdminIDs))
	for _, raw := range c.Entitlements.PlatformAdminIDs {
		id, err := uuid.Parse(strings.TrimSpace(raw))
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid platform admin id %q: %w", raw, err))
			continue
		}
		ids = append(ids, id)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return ids, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
