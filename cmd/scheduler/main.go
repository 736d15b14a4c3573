package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/leozw/shopcore/internal/app"
	"github.com/leozw/shopcore/internal/config"
	"github.com/leozw/shopcore/internal/logger"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	zlog := logger.New(cfg.Log.Level, cfg.Log.Format)
	defer zlog.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, zlog)
	if err != nil {
		zlog.Fatal("Failed to initialise", zap.Error(err))
	}
	defer a.Close()

	if cfg.Automation.Lock != "redis" {
		zlog.Warn("Scheduler running with an in-process lock; runs started from API replicas are not excluded")
	}

	done := make(chan struct{})
	go func() {
		a.Scheduler.Start(ctx)
		close(done)
	}()

	// Start metrics exporter
	go a.Metrics.StartRemoteWrite(ctx, zlog)

	zlog.Info("Scheduler started")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zlog.Info("Shutting down scheduler...")
	cancel()
	<-done
	zlog.Info("Scheduler stopped")
}
