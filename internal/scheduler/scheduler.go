package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/leozw/shopcore/internal/automation"
	"github.com/leozw/shopcore/internal/core"
	"github.com/leozw/shopcore/internal/ledger"
	"github.com/leozw/shopcore/internal/registry"
)

var ErrTenantInactive = errors.New("tenant is not active")

type Directory interface {
	ListActiveTenants(ctx context.Context) ([]*core.Tenant, error)
	GetTenant(ctx context.Context, id string) (*core.Tenant, error)
}

type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

type Connector interface {
	Get(ctx context.Context, tenantID, dsn string) (*registry.Conn, error)
}

type Runner interface {
	Run(ctx context.Context, tenantID string, store automation.Store) (*automation.Result, error)
}

// ResultSink publishes the latest outcome per tenant, typically to redis
// so the API can report it.
type ResultSink interface {
	SaveLastRun(ctx context.Context, tenantID string, run interface{}) error
}

type Options struct {
	Interval   time.Duration
	Workers    int
	RatePerSec float64
	// Stores builds the unit of work over a tenant connection. Defaults
	// to the ledger store.
	Stores func(conn *registry.Conn) automation.Store
	Sink   ResultSink
}

type TenantOutcome struct {
	TenantID string             `json:"tenant_id"`
	Result   *automation.Result `json:"result,omitempty"`
	Error    string             `json:"error,omitempty"`
}

type SweepReport struct {
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Tenants    int             `json:"tenants"`
	Converted  int             `json:"converted"`
	Failed     int             `json:"failed"`
	Outcomes   []TenantOutcome `json:"outcomes"`
}

type Status struct {
	Initialized bool         `json:"initialized"`
	Running     bool         `json:"running"`
	Schedule    string       `json:"schedule"`
	Workers     int          `json:"workers"`
	LastRunAt   *time.Time   `json:"last_run_at,omitempty"`
	LastError   string       `json:"last_error,omitempty"`
	LastReport  *SweepReport `json:"last_report,omitempty"`
}

// Scheduler sweeps every active tenant through the automation engine on a
// fixed interval and serves manual triggers in between.
type Scheduler struct {
	directory Directory
	vault     Decrypter
	registry  Connector
	runner    Runner
	opts      Options
	limiter   *rate.Limiter
	logger    *zap.Logger

	initialized atomic.Bool
	sweeping    atomic.Bool

	mu         sync.RWMutex
	lastRunAt  *time.Time
	lastError  string
	lastReport *SweepReport
}

func NewScheduler(directory Directory, vault Decrypter, connector Connector, runner Runner, logger *zap.Logger, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 3 * time.Minute
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Stores == nil {
		opts.Stores = func(conn *registry.Conn) automation.Store { return ledger.NewStore(conn) }
	}
	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scheduler{
		directory: directory,
		vault:     vault,
		registry:  connector,
		runner:    runner,
		opts:      opts,
		limiter:   rate.NewLimiter(limit, 1),
		logger:    logger.Named("scheduler"),
	}
}

// Start blocks, sweeping on every tick until ctx is done. A tick that
// lands while the previous sweep is still going is skipped.
func (s *Scheduler) Start(ctx context.Context) {
	s.initialized.Store(true)
	defer s.initialized.Store(false)

	s.logger.Info("Starting scheduler",
		zap.Duration("interval", s.opts.Interval),
		zap.Int("worker_count", s.opts.Workers),
	)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping scheduler")
			return
		case <-ticker.C:
			if _, err := s.Trigger(ctx); err != nil {
				if errors.Is(err, automation.ErrBusy) {
					s.logger.Warn("Previous sweep still running, skipping tick")
					continue
				}
				s.logger.Error("Automation sweep failed", zap.Error(err))
			}
		}
	}
}

// Trigger runs one sweep now. It fails with automation.ErrBusy while
// another sweep is in progress.
func (s *Scheduler) Trigger(ctx context.Context) (*SweepReport, error) {
	if !s.sweeping.CompareAndSwap(false, true) {
		return nil, automation.ErrBusy
	}
	defer s.sweeping.Store(false)

	report, err := s.sweep(ctx)
	s.record(report, err)
	return report, err
}

// TriggerTenant runs automation for a single tenant. It fails with
// automation.ErrBusy while a sweep or a run for the same tenant is in
// progress.
func (s *Scheduler) TriggerTenant(ctx context.Context, tenantID string) (*automation.Result, error) {
	if s.sweeping.Load() {
		return nil, automation.ErrBusy
	}

	tenant, err := s.directory.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !tenant.IsActive() {
		return nil, ErrTenantInactive
	}

	return newWorker(0, s).runTenant(ctx, tenant)
}

func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Status{
		Initialized: s.initialized.Load(),
		Running:     s.sweeping.Load(),
		Schedule:    fmt.Sprintf("every %s", s.opts.Interval),
		Workers:     s.opts.Workers,
		LastRunAt:   s.lastRunAt,
		LastError:   s.lastError,
		LastReport:  s.lastReport,
	}
}

func (s *Scheduler) record(report *SweepReport, err error) {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastRunAt = &now
	s.lastError = ""
	if err != nil {
		s.lastError = err.Error()
	}
	if report != nil {
		s.lastReport = report
	}
}

func (s *Scheduler) sweep(ctx context.Context) (*SweepReport, error) {
	tenants, err := s.directory.ListActiveTenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active tenants: %w", err)
	}

	report := &SweepReport{StartedAt: time.Now().UTC(), Tenants: len(tenants), Outcomes: []TenantOutcome{}}

	jobs := make(chan *core.Tenant)
	outcomes := make(chan TenantOutcome, len(tenants))

	var wg sync.WaitGroup
	for i := 0; i < s.opts.Workers; i++ {
		w := newWorker(i, s)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Start(ctx, jobs, outcomes)
		}()
	}

dispatch:
	for _, tenant := range tenants {
		if err := s.limiter.Wait(ctx); err != nil {
			break
		}
		select {
		case jobs <- tenant:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()
	close(outcomes)

	for o := range outcomes {
		report.Outcomes = append(report.Outcomes, o)
		if o.Error != "" {
			report.Failed++
			continue
		}
		report.Converted += o.Result.Total
	}
	report.FinishedAt = time.Now().UTC()

	s.logger.Info("Automation sweep finished",
		zap.Int("tenants", report.Tenants),
		zap.Int("converted", report.Converted),
		zap.Int("failed", report.Failed),
	)

	return report, ctx.Err()
}
