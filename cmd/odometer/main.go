package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/odometer/pkg/api"
	"github.com/platinummonkey/odometer/pkg/audit"
	"github.com/platinummonkey/odometer/pkg/billing"
	"github.com/platinummonkey/odometer/pkg/config"
	"github.com/platinummonkey/odometer/pkg/membership"
	"github.com/platinummonkey/odometer/pkg/middleware"
	"github.com/platinummonkey/odometer/pkg/observability"
	"github.com/platinummonkey/odometer/pkg/orgs"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "odometer: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("odometer exited with error")
	}
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	db, store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	redisClient, err := openRedis(ctx, cfg, logger)
	if err != nil {
		return err
	}

	auditLog, err := newAuditLogger(ctx, cfg, db, logger)
	if err != nil {
		return err
	}

	adminIDs, err := cfg.AdminIDs()
	if err != nil {
		return err
	}

	resolver := membership.NewResolver(store, logger)
	directory := membership.NewDirectory(store, newCache(cfg, redisClient), logger, metrics)
	healer := membership.NewHealer(store, auditLog, logger, metrics, membership.DefaultHealerConfig())
	checker := membership.NewChecker(resolver, store, logger, metrics)
	manager := billing.NewManager(store, resolver, directory, auditLog, logger, metrics, billing.Config{
		AccountDeletionGraceDays: cfg.Entitlements.AccountDeletionGraceDays,
	})

	var limits *middleware.RateLimitMiddleware
	if cfg.RateLimit.Enabled {
		limits = middleware.NewRateLimitMiddleware(&middleware.RateLimitConfig{
			RequestsPerWindow: cfg.RateLimit.RequestsPerWindow,
			WindowDuration:    cfg.RateLimit.Window,
			BurstSize:         cfg.RateLimit.Burst,
		}, redisClient, logger)
		limits.Local().StartCleanup(ctx, logger)
	}

	var metricsRegistry *prometheus.Registry
	if cfg.Observability.MetricsEnabled {
		metricsRegistry = registry
	}

	handler := api.NewRouter(api.RouterConfig{
		Identity:  middleware.NewIdentityMiddleware(adminIDs, logger),
		RateLimit: limits,
		Tenant:    middleware.NewTenantMiddleware(resolver, healer, cfg.Entitlements.ActiveOrgCookie, logger),
		Orgs: api.NewOrgHandlers(directory, checker, manager, api.CookieConfig{
			Name:   cfg.Entitlements.ActiveOrgCookie,
			Secure: cfg.Entitlements.ActiveOrgCookieSecure,
		}, logger),
		Billing:      api.NewBillingHandlers(manager, logger),
		Health:       observability.NewHealthChecker(db, redisClient, version),
		Metrics:      metrics,
		Registry:     metricsRegistry,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Log:          logger,
	})

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)

	if cfg.Jobs.DowngradeSweepEnabled {
		scheduler := cron.New(cron.WithLocation(time.UTC))
		sweeper := billing.NewSweeper(manager, store, logger, 0)
		if _, err := sweeper.Schedule(scheduler, cfg.Jobs.DowngradeSweepSchedule); err != nil {
			return fmt.Errorf("failed to schedule downgrade sweep: %w", err)
		}
		scheduler.Start()
		logger.WithField("schedule", cfg.Jobs.DowngradeSweepSchedule).Info("Downgrade sweep scheduled")

		shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
			select {
			case <-scheduler.Stop().Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}

	shutdown.RegisterShutdownFunc(func(context.Context) error {
		return auditLog.Close()
	})
	if redisClient != nil {
		shutdown.RegisterShutdownFunc(func(context.Context) error {
			return redisClient.Close()
		})
	}
	if db != nil {
		shutdown.RegisterShutdownFunc(func(context.Context) error {
			return db.Close()
		})
	}
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.WithFields(logrus.Fields{
			"addr":    server.Addr,
			"version": version,
			"store":   cfg.Database.Driver,
		}).Info("Starting odometer")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})

	if db != nil {
		g.Go(func() error {
			defer observability.RecoverPanic(logger, "db stats")
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					metrics.ObserveDBStats(db.Stats())
				case <-gctx.Done():
					return nil
				}
			}
		})
	}

	g.Go(func() error {
		return shutdown.WaitForShutdown(gctx)
	})

	return g.Wait()
}

// openStore returns the configured organization store. db is nil for the
// memory driver.
func openStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*sql.DB, orgs.Store, error) {
	if cfg.Database.Driver == config.DriverMemory {
		logger.Warn("Using in-memory store, data is lost on restart")
		return nil, orgs.NewMemoryStore(), nil
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Entitlements.StoreTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if cfg.Database.AutoMigrate {
		if err := orgs.Migrate(ctx, db, logger); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	return db, orgs.NewPostgresStore(db, cfg.Entitlements.StoreTimeout), nil
}

// openRedis connects to Redis when a URL is configured
func openRedis(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*redis.Client, error) {
	if cfg.Redis.URL == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.Redis.Password != "" {
		opts.Password = cfg.Redis.Password
	}
	if cfg.Redis.DB != 0 {
		opts.DB = cfg.Redis.DB
	}
	opts.PoolSize = cfg.Redis.PoolSize
	opts.MaxRetries = cfg.Redis.MaxRetries

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		// The cache and rate limiter degrade without Redis
		logger.WithError(err).Warn("Redis is unreachable at startup")
	}
	return client, nil
}

func newCache(cfg *config.Config, redisClient *redis.Client) membership.Cache {
	if !cfg.Cache.Enabled {
		return nil
	}
	if redisClient != nil {
		return membership.NewRedisCache(redisClient, cfg.Cache.TTL)
	}
	return membership.NewLRUCache(cfg.Cache.Size, cfg.Cache.TTL)
}

func newAuditLogger(ctx context.Context, cfg *config.Config, db *sql.DB, logger *logrus.Logger) (audit.Logger, error) {
	logs := audit.NewLogrusLogger(logger)
	if !cfg.Entitlements.AuditToDatabase {
		return logs, nil
	}

	dbLogger, err := audit.NewDBLogger(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("failed to create database audit logger: %w", err)
	}
	return audit.NewMultiLogger(logs, dbLogger), nil
}
