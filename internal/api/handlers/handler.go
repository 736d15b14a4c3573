package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/leozw/shopcore/internal/auth"
	"github.com/leozw/shopcore/internal/automation"
	"github.com/leozw/shopcore/internal/core"
	"github.com/leozw/shopcore/internal/ledger"
	"github.com/leozw/shopcore/internal/metrics"
	"github.com/leozw/shopcore/internal/provisioning"
	"github.com/leozw/shopcore/internal/reconcile"
	"github.com/leozw/shopcore/internal/registry"
	"github.com/leozw/shopcore/internal/scheduler"
)

type Automation interface {
	Run(ctx context.Context, tenantID string, store automation.Store) (*automation.Result, error)
	State(tenantID string) automation.State
}

type Sweeper interface {
	Trigger(ctx context.Context) (*scheduler.SweepReport, error)
	TriggerTenant(ctx context.Context, tenantID string) (*automation.Result, error)
	Status() scheduler.Status
}

type Provisioner interface {
	Provision(ctx context.Context, in provisioning.Input) (*core.Tenant, error)
	UpdateStatus(ctx context.Context, id string, status core.TenantStatus) (*core.Tenant, error)
	UpdateSubscription(ctx context.Context, id string, sub provisioning.Subscription) (*core.Tenant, error)
}

// RunStore keeps the last automation result per tenant so any API
// replica can report it.
type RunStore interface {
	SaveLastRun(ctx context.Context, tenantID string, run interface{}) error
	LastRun(ctx context.Context, tenantID string, dest interface{}) error
}

// LedgerStore is everything the handlers need from a shop database.
type LedgerStore interface {
	automation.Store
	reconcile.Store
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

type Config struct {
	Engine       Automation
	Scheduler    Sweeper
	Provisioning Provisioner
	Runs         RunStore // optional
	Master       Pinger
	Ledger       func(conn *registry.Conn) LedgerStore
	Metrics      *metrics.Collector
	Tolerance    *decimal.Decimal // nil means reconcile.DefaultTolerance; zero demands an exact match
	Logger       *zap.Logger
}

type Handler struct {
	engine    Automation
	scheduler Sweeper
	tenants   Provisioner
	runs      RunStore
	master    Pinger
	ledger    func(conn *registry.Conn) LedgerStore
	metrics   *metrics.Collector
	tolerance decimal.Decimal
	logger    *zap.Logger
}

func NewHandler(cfg Config) *Handler {
	if cfg.Ledger == nil {
		cfg.Ledger = func(conn *registry.Conn) LedgerStore { return ledger.NewStore(conn) }
	}
	tolerance := reconcile.DefaultTolerance
	if cfg.Tolerance != nil {
		tolerance = *cfg.Tolerance
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Handler{
		engine:    cfg.Engine,
		scheduler: cfg.Scheduler,
		tenants:   cfg.Provisioning,
		runs:      cfg.Runs,
		master:    cfg.Master,
		ledger:    cfg.Ledger,
		metrics:   cfg.Metrics,
		tolerance: tolerance,
		logger:    cfg.Logger,
	}
}

// tenantAdmin returns the tenant-bound principal or answers 403.
func (h *Handler) tenantAdmin(c *gin.Context) (*auth.TenantAdmin, bool) {
	p, ok := auth.FromContext(c.Request.Context())
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
		return nil, false
	}

	admin, ok := auth.TenantOf(p)
	if !ok {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Endpoint requires a tenant session"})
		return nil, false
	}
	return admin, true
}
