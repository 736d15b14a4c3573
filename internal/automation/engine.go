package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/leozw/shopcore/internal/ledger"
	"github.com/leozw/shopcore/internal/metrics"
	"github.com/leozw/shopcore/internal/registry"
)

// ErrBusy rejects a run for a tenant whose previous run has not finished.
var ErrBusy = errors.New("automation already running")

// Store opens the unit of work a run executes in.
type Store interface {
	InTx(ctx context.Context, fn func(ledger.UnitOfWork) error) error
}

type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

const (
	StageValidate = "validate"
	StageInvoice  = "invoice"
	StageMark     = "mark_converted"
	StageAudit    = "audit"
	StageLedger   = "ledger"
)

// OrderError is one order that could not be converted. The run carries
// on past it.
type OrderError struct {
	OrderID string           `json:"order_id"`
	Kind    ledger.OrderKind `json:"kind"`
	Stage   string           `json:"stage"`
	Message string           `json:"message"`
}

func (e OrderError) Error() string {
	return fmt.Sprintf("%s order %s: %s: %s", e.Kind, e.OrderID, e.Stage, e.Message)
}

type Result struct {
	TenantID           string       `json:"tenant_id"`
	SalesConverted     int          `json:"sales_converted"`
	PurchasesConverted int          `json:"purchases_converted"`
	Total              int          `json:"total"`
	Errors             []OrderError `json:"errors"`
	StartedAt          time.Time    `json:"started_at"`
	FinishedAt         time.Time    `json:"finished_at"`
}

type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }

func (e *stageError) Unwrap() error { return e.err }

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

type Engine struct {
	locker  Locker
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time

	mu     sync.Mutex
	active map[string]time.Time
}

func NewEngine(locker Locker, logger *zap.Logger, collector *metrics.Collector, opts ...Option) *Engine {
	if locker == nil {
		locker = NewMemoryLocker()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		locker:  locker,
		logger:  logger.Named("automation"),
		metrics: collector,
		now:     func() time.Time { return time.Now().UTC() },
		active:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State reports whether this process is running automation for tenantID.
func (e *Engine) State(tenantID string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.active[tenantID]; ok {
		return StateRunning
	}
	return StateIdle
}

// Run converts every pending confirmed order of the tenant into an
// invoice inside one transaction. A failing order is rolled back to its
// savepoint and reported in Result.Errors; a failure of the transaction
// itself aborts the run and nothing is committed.
func (e *Engine) Run(ctx context.Context, tenantID string, store Store) (*Result, error) {
	unlock, err := e.locker.TryLock(ctx, tenantID)
	if err != nil {
		if errors.Is(err, ErrBusy) {
			e.metrics.RecordAutomationRejected(tenantID)
		}
		return nil, err
	}
	defer unlock()

	e.mu.Lock()
	e.active[tenantID] = e.now()
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, tenantID)
		e.mu.Unlock()
	}()

	logger := e.logger.With(zap.String("tenant_id", tenantID))
	started := e.now()
	wall := time.Now()

	var result *Result
	err = store.InTx(ctx, func(uow ledger.UnitOfWork) error {
		res := &Result{TenantID: tenantID, StartedAt: started, Errors: []OrderError{}}

		for _, kind := range []ledger.OrderKind{ledger.SalesOrder, ledger.PurchaseOrder} {
			converted, err := e.convertAll(ctx, uow, kind, res, logger)
			if err != nil {
				return err
			}
			if kind == ledger.SalesOrder {
				res.SalesConverted = converted
			} else {
				res.PurchasesConverted = converted
			}
		}

		result = res
		return nil
	})

	elapsed := time.Since(wall).Seconds()
	if err != nil {
		e.metrics.RecordAutomationRun(tenantID, false, elapsed, 0, 0)
		logger.Error("Automation run aborted", zap.Error(err))
		return nil, fmt.Errorf("automation run for %s: %w", tenantID, err)
	}

	result.Total = result.SalesConverted + result.PurchasesConverted
	result.FinishedAt = e.now()

	e.metrics.RecordAutomationRun(tenantID, true, elapsed, result.SalesConverted, result.PurchasesConverted)
	logger.Info("Automation run committed",
		zap.Int("sales_converted", result.SalesConverted),
		zap.Int("purchases_converted", result.PurchasesConverted),
		zap.Int("errors", len(result.Errors)),
	)

	return result, nil
}

func (e *Engine) convertAll(ctx context.Context, uow ledger.UnitOfWork, kind ledger.OrderKind, res *Result, logger *zap.Logger) (int, error) {
	orders, err := uow.PendingOrders(ctx, kind)
	if err != nil {
		return 0, fmt.Errorf("list pending %s orders: %w", kind, err)
	}

	converted := 0
	for _, order := range orders {
		at := e.now()
		err := uow.Savepoint(ctx, func() error {
			return e.convert(ctx, uow, order, at)
		})
		if err == nil {
			converted++
			continue
		}
		if isFatal(ctx, err) {
			return 0, err
		}

		orderErr := OrderError{OrderID: order.ID, Kind: kind, Stage: StageValidate, Message: err.Error()}
		var se *stageError
		if errors.As(err, &se) {
			orderErr.Stage = se.stage
			orderErr.Message = se.err.Error()
		}
		res.Errors = append(res.Errors, orderErr)

		e.metrics.RecordOrderError(res.TenantID, orderErr.Stage)
		logger.Warn("Order conversion failed",
			zap.String("order_id", order.ID),
			zap.String("kind", string(kind)),
			zap.String("stage", orderErr.Stage),
			zap.String("error", orderErr.Message),
		)
	}

	return converted, nil
}

func (e *Engine) convert(ctx context.Context, uow ledger.UnitOfWork, order *ledger.Order, at time.Time) error {
	if err := Validate(order); err != nil {
		return &stageError{stage: StageValidate, err: err}
	}

	inv := BuildInvoice(order, at)
	if err := uow.InsertInvoice(ctx, order.Kind, inv); err != nil {
		return &stageError{stage: StageInvoice, err: err}
	}

	if err := uow.MarkOrderConverted(ctx, order.Kind, order.ID, inv.ID, at); err != nil {
		return &stageError{stage: StageMark, err: err}
	}

	audit := &ledger.OrderAudit{
		ID:        derivedID("audit", inv.ID),
		OrderKind: order.Kind,
		OrderID:   order.ID,
		Action:    "auto_converted",
		Details: ledger.JSONB{
			"invoice_id":     inv.ID,
			"invoice_number": inv.InvoiceNumber,
			"total":          inv.Total.StringFixed(2),
		},
		CreatedAt: at,
	}
	if err := uow.AppendOrderAudit(ctx, audit); err != nil {
		return &stageError{stage: StageAudit, err: err}
	}

	if err := uow.AppendEntry(ctx, LedgerEntry(order, inv)); err != nil {
		return &stageError{stage: StageLedger, err: err}
	}
	return nil
}

// isFatal separates failures that leave the transaction unusable from
// failures of a single order.
func isFatal(ctx context.Context, err error) bool {
	var txErr *ledger.TxError
	if errors.As(err, &txErr) {
		return true
	}
	if registry.IsDisconnect(err) {
		return true
	}
	return ctx.Err() != nil
}
