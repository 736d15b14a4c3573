package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/leozw/shopcore/internal/automation"
	"github.com/leozw/shopcore/internal/core"
)

type Worker struct {
	id     int
	s      *Scheduler
	logger *zap.Logger
}

func newWorker(id int, s *Scheduler) *Worker {
	return &Worker{
		id:     id,
		s:      s,
		logger: s.logger.With(zap.Int("worker_id", id)),
	}
}

// Start consumes tenants until jobs is closed. Every tenant produces
// exactly one outcome.
func (w *Worker) Start(ctx context.Context, jobs <-chan *core.Tenant, outcomes chan<- TenantOutcome) {
	for tenant := range jobs {
		outcome := TenantOutcome{TenantID: tenant.ID}

		res, err := w.runTenant(ctx, tenant)
		if err != nil {
			outcome.Error = err.Error()
		} else {
			outcome.Result = res
		}
		outcomes <- outcome
	}
}

func (w *Worker) runTenant(ctx context.Context, tenant *core.Tenant) (*automation.Result, error) {
	start := time.Now()
	logger := w.logger.With(zap.String("tenant_id", tenant.ID))

	dsn, err := w.s.vault.Decrypt(tenant.EncryptedDSN)
	if err != nil {
		logger.Error("Failed to decrypt tenant credential", zap.Error(err))
		return nil, fmt.Errorf("decrypt credential: %w", err)
	}

	conn, err := w.s.registry.Get(ctx, tenant.ID, dsn)
	if err != nil {
		logger.Warn("Skipping unreachable tenant", zap.Error(err))
		return nil, err
	}

	// a started run is never cancelled from outside
	res, err := w.s.runner.Run(context.WithoutCancel(ctx), tenant.ID, w.s.opts.Stores(conn))
	if err != nil {
		logger.Warn("Automation run failed", zap.Error(err))
		return nil, err
	}

	if w.s.opts.Sink != nil {
		if err := w.s.opts.Sink.SaveLastRun(ctx, tenant.ID, res); err != nil {
			logger.Debug("Failed to publish run result", zap.Error(err))
		}
	}

	logger.Debug("Tenant automation completed",
		zap.Int("converted", res.Total),
		zap.Int("order_errors", len(res.Errors)),
		zap.Duration("duration", time.Since(start)),
	)
	return res, nil
}
