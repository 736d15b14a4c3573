package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/leozw/shopcore/internal/api"
	"github.com/leozw/shopcore/internal/api/handlers"
	"github.com/leozw/shopcore/internal/app"
	"github.com/leozw/shopcore/internal/auth"
	"github.com/leozw/shopcore/internal/config"
	"github.com/leozw/shopcore/internal/logger"
	"github.com/leozw/shopcore/internal/provisioning"
	"github.com/leozw/shopcore/pkg/session"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	// Setup logger
	zlog := logger.New(cfg.Log.Level, cfg.Log.Format)
	defer zlog.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, zlog)
	if err != nil {
		zlog.Fatal("Failed to initialise", zap.Error(err))
	}
	defer a.Close()

	resolver := auth.NewResolver(auth.ResolverConfig{
		Tokens:    session.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Expiration),
		Directory: a.Master,
		Vault:     a.Vault,
		Registry:  a.Registry,
		Logger:    zlog,
	})

	var migrate provisioning.Migrator
	if cfg.Registry.MigrateOnCreate {
		migrate = provisioning.LedgerMigrator
	}

	hcfg := handlers.Config{
		Engine:       a.Engine,
		Scheduler:    a.Scheduler,
		Provisioning: provisioning.NewService(a.Master, a.Vault, a.Registry, migrate, zlog),
		Master:       a.Master,
		Metrics:      a.Metrics,
		Tolerance:    a.Tolerance(),
		Logger:       zlog,
	}
	if a.Redis != nil {
		hcfg.Runs = a.Redis
	}

	server := api.NewServer(cfg.Server.Mode, handlers.NewHandler(hcfg), resolver, a.Prom, zlog)

	// Embedded scheduler for single-process deployments
	if cfg.Automation.Enabled {
		go a.Scheduler.Start(ctx)
	}
	go a.Metrics.StartRemoteWrite(ctx, zlog)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: server.Router,
	}

	// Graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	zlog.Info("API server started", zap.String("port", cfg.Server.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zlog.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error("Server forced to shutdown", zap.Error(err))
	}

	zlog.Info("Server exited")
}
