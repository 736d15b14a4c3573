// Package app wires the components shared by the API and scheduler
// processes.
package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/leozw/shopcore/internal/automation"
	"github.com/leozw/shopcore/internal/config"
	"github.com/leozw/shopcore/internal/metrics"
	"github.com/leozw/shopcore/internal/migration"
	"github.com/leozw/shopcore/internal/registry"
	"github.com/leozw/shopcore/internal/scheduler"
	"github.com/leozw/shopcore/internal/storage/postgres"
	"github.com/leozw/shopcore/internal/storage/redis"
	"github.com/leozw/shopcore/internal/vault"
)

type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Master    *postgres.DB
	Vault     *vault.Vault
	Registry  *registry.Registry
	Prom      *prometheus.Registry
	Metrics   *metrics.Collector
	Redis     *redis.Client // nil when no redis url is configured
	Engine    *automation.Engine
	Scheduler *scheduler.Scheduler
}

// New connects to the master directory, applies its migrations and
// builds everything above it. Close releases what New opened.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if err := migration.Up(cfg.Database.URL, postgres.Migrations, "migrations"); err != nil {
		return nil, fmt.Errorf("migrate master: %w", err)
	}

	master, err := postgres.NewConnection(cfg.Database.URL, cfg.Database.MaxConnections, cfg.Database.MaxIdleConns)
	if err != nil {
		return nil, fmt.Errorf("connect master: %w", err)
	}

	v, err := vault.New(cfg.Vault.Secret)
	if err != nil {
		master.Close()
		return nil, err
	}

	prom := prometheus.NewRegistry()
	prom.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(prom, cfg.Mimir)

	reg := registry.New(registry.Options{
		MinPoolSize:      cfg.Registry.MinPoolSize,
		MaxPoolSize:      cfg.Registry.MaxPoolSize,
		ConnectTimeout:   cfg.Registry.ConnectTimeout,
		DiscoveryTimeout: cfg.Registry.DiscoveryTimeout,
		IdleTimeout:      cfg.Registry.IdleTimeout,
		MaxLifetime:      cfg.Registry.MaxLifetime,
		DrainTimeout:     cfg.Registry.DrainTimeout,
	}, logger, collector)

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Master:   master,
		Vault:    v,
		Registry: reg,
		Prom:     prom,
		Metrics:  collector,
	}

	if cfg.Redis.URL != "" {
		a.Redis = redis.NewClient(cfg.Redis.URL)
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unreachable at startup", zap.Error(err))
		}
	}

	var locker automation.Locker = automation.NewMemoryLocker()
	if cfg.Automation.Lock == "redis" {
		locker = automation.NewRedisLocker(a.Redis, cfg.Automation.LockTTL, logger)
	}
	a.Engine = automation.NewEngine(locker, logger, collector)

	opts := scheduler.Options{
		Interval:   cfg.Automation.Interval,
		Workers:    cfg.Automation.Workers,
		RatePerSec: cfg.Automation.RatePerSec,
	}
	if a.Redis != nil {
		opts.Sink = a.Redis
	}
	a.Scheduler = scheduler.NewScheduler(master, v, reg, a.Engine, logger, opts)

	return a, nil
}

// Tolerance is the configured reconciliation tolerance. A configured 0
// is kept and means balances must match exactly.
func (a *App) Tolerance() *decimal.Decimal {
	tol := decimal.NewFromFloat(a.Config.Automation.Tolerance)
	return &tol
}

func (a *App) Close() {
	if err := a.Registry.CloseAll(); err != nil {
		a.Logger.Warn("Closing tenant connections", zap.Error(err))
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	a.Master.Close()
}
