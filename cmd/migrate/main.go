package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/leozw/shopcore/internal/config"
	"github.com/leozw/shopcore/internal/ledger"
	"github.com/leozw/shopcore/internal/logger"
	"github.com/leozw/shopcore/internal/migration"
	"github.com/leozw/shopcore/internal/storage/postgres"
	"github.com/leozw/shopcore/internal/vault"
)

const usage = `usage: migrate [-tenant id | -all-tenants] [-steps n] up|down|version

Without -tenant the master directory schema is migrated. With -tenant the
shop database of that tenant is migrated using its sealed credential.`

func main() {
	_ = godotenv.Load()

	tenantID := flag.String("tenant", "", "migrate this tenant's shop database")
	allTenants := flag.Bool("all-tenants", false, "migrate every active tenant's shop database")
	steps := flag.Int("steps", 1, "steps to roll back with down")
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	cmd := flag.Arg(0)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog := logger.New(cfg.Log.Level, cfg.Log.Format)
	defer zlog.Sync()

	if *tenantID == "" && !*allTenants {
		if err := run(cmd, cfg.Database.URL, postgres.Migrations, *steps, zlog.With(zap.String("target", "master"))); err != nil {
			zlog.Fatal("Migration failed", zap.Error(err))
		}
		return
	}

	dsns, err := tenantDSNs(cfg, *tenantID, *allTenants)
	if err != nil {
		zlog.Fatal("Failed to load tenant credentials", zap.Error(err))
	}

	failed := 0
	for id, dsn := range dsns {
		if err := run(cmd, dsn, ledger.Migrations, *steps, zlog.With(zap.String("tenant_id", id))); err != nil {
			zlog.Error("Tenant migration failed", zap.String("tenant_id", id), zap.Error(err))
			failed++
		}
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func run(cmd, dsn string, fsys fs.FS, steps int, logger *zap.Logger) error {
	switch cmd {
	case "up":
		if err := migration.Up(dsn, fsys, "migrations"); err != nil {
			return err
		}
	case "down":
		if err := migration.Down(dsn, fsys, "migrations", steps); err != nil {
			return err
		}
	case "version":
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}

	version, dirty, err := migration.Version(dsn, fsys, "migrations")
	if err != nil {
		return err
	}
	logger.Info("Schema version", zap.String("command", cmd), zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}

func tenantDSNs(cfg *config.Config, tenantID string, all bool) (map[string]string, error) {
	master, err := postgres.NewConnection(cfg.Database.URL, 2, 1)
	if err != nil {
		return nil, err
	}
	defer master.Close()

	v, err := vault.New(cfg.Vault.Secret)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	var tenants []string
	if all {
		active, err := master.ListActiveTenants(ctx)
		if err != nil {
			return nil, err
		}
		for _, t := range active {
			tenants = append(tenants, t.ID)
		}
	} else {
		tenants = []string{tenantID}
	}

	dsns := make(map[string]string, len(tenants))
	for _, id := range tenants {
		t, err := master.GetTenant(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("tenant %s: %w", id, err)
		}
		dsn, err := v.Decrypt(t.EncryptedDSN)
		if err != nil {
			return nil, fmt.Errorf("tenant %s: %w", id, err)
		}
		dsns[id] = dsn
	}
	return dsns, nil
}
