package automation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leozw/shopcore/internal/config"
	"github.com/leozw/shopcore/internal/ledger"
	"github.com/leozw/shopcore/internal/metrics"
	redisstore "github.com/leozw/shopcore/internal/storage/redis"
)

var fixedNow = time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC)

func newTestEngine(locker Locker) *Engine {
	return NewEngine(locker, zap.NewNop(), nil, WithClock(func() time.Time { return fixedNow }))
}

func TestRun_EndToEndSalesOrder(t *testing.T) {
	order := confirmedOrder(ledger.SalesOrder, "so-1", "500")
	store := newMemStore(order)
	engine := newTestEngine(nil)

	res, err := engine.Run(context.Background(), "shop-a", store)
	require.NoError(t, err)

	assert.Equal(t, 1, res.SalesConverted)
	assert.Equal(t, 0, res.PurchasesConverted)
	assert.Equal(t, 1, res.Total)
	assert.Empty(t, res.Errors)

	state := store.snapshot()
	require.Len(t, state.invoices, 1)
	var inv *ledger.Invoice
	for _, v := range state.invoices {
		inv = v
	}
	assert.True(t, inv.Total.Equal(money("500")))
	assert.True(t, inv.DueAmount.Equal(money("500")))
	assert.True(t, inv.PaidAmount.IsZero())
	assert.Equal(t, ledger.InvoicePaymentPending, inv.PaymentStatus)
	assert.Equal(t, "INV-NO-so-1", inv.InvoiceNumber)

	converted := store.order("so-1")
	assert.True(t, converted.AutoConverted)
	assert.Equal(t, ledger.OrderStatusInvoiced, converted.Status)
	require.NotNil(t, converted.InvoiceID)
	assert.Equal(t, inv.ID, *converted.InvoiceID)
	require.NotNil(t, converted.ConvertedAt)
	assert.Equal(t, fixedNow, *converted.ConvertedAt)

	require.Len(t, state.audits, 1)
	assert.Equal(t, "auto_converted", state.audits[0].Action)

	require.Len(t, state.entries, 1)
	assert.Equal(t, ledger.VoucherSale, state.entries[0].VoucherType)
	assert.True(t, state.entries[0].Debit.Equal(money("500")))
	assert.True(t, state.entries[0].Credit.IsZero())
}

func TestRun_Idempotent(t *testing.T) {
	store := newMemStore(
		confirmedOrder(ledger.SalesOrder, "so-1", "100"),
		confirmedOrder(ledger.SalesOrder, "so-2", "200"),
		confirmedOrder(ledger.SalesOrder, "so-3", "300"),
		confirmedOrder(ledger.PurchaseOrder, "po-1", "50"),
		confirmedOrder(ledger.PurchaseOrder, "po-2", "75.25"),
	)
	engine := newTestEngine(nil)

	first, err := engine.Run(context.Background(), "shop-a", store)
	require.NoError(t, err)
	assert.Equal(t, 3, first.SalesConverted)
	assert.Equal(t, 2, first.PurchasesConverted)
	assert.Equal(t, 5, first.Total)

	second, err := engine.Run(context.Background(), "shop-a", store)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Total)
	assert.Empty(t, second.Errors)

	state := store.snapshot()
	assert.Len(t, state.invoices, 5)
	assert.Len(t, state.entries, 5)
}

func TestRun_SkipsNonQualifyingOrders(t *testing.T) {
	draft := confirmedOrder(ledger.SalesOrder, "so-draft", "100")
	draft.Status = "draft"
	linked := confirmedOrder(ledger.SalesOrder, "so-linked", "100")
	existing := "inv-manual"
	linked.InvoiceID = &existing
	marked := confirmedOrder(ledger.SalesOrder, "so-marked", "100")
	marked.AutoConverted = true

	store := newMemStore(draft, linked, marked)
	res, err := newTestEngine(nil).Run(context.Background(), "shop-a", store)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Total)
	assert.Empty(t, store.snapshot().invoices)
}

func TestRun_MalformedOrderIsIsolated(t *testing.T) {
	bad := confirmedOrder(ledger.SalesOrder, "so-3", "300")
	bad.Items = nil

	store := newMemStore(
		confirmedOrder(ledger.SalesOrder, "so-1", "100"),
		confirmedOrder(ledger.SalesOrder, "so-2", "200"),
		bad,
		confirmedOrder(ledger.SalesOrder, "so-4", "400"),
		confirmedOrder(ledger.SalesOrder, "so-5", "500"),
	)

	res, err := newTestEngine(nil).Run(context.Background(), "shop-a", store)
	require.NoError(t, err)

	assert.Equal(t, 4, res.SalesConverted)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "so-3", res.Errors[0].OrderID)
	assert.Equal(t, StageValidate, res.Errors[0].Stage)
	assert.Equal(t, ledger.SalesOrder, res.Errors[0].Kind)
	assert.Contains(t, res.Errors[0].Message, "no items")

	assert.False(t, store.order("so-3").AutoConverted)
	assert.True(t, store.order("so-5").AutoConverted)
}

func TestRun_StepFailureRollsBackOnlyThatOrder(t *testing.T) {
	store := newMemStore(
		confirmedOrder(ledger.PurchaseOrder, "po-1", "100"),
		confirmedOrder(ledger.PurchaseOrder, "po-2", "200"),
	)
	store.invoiceErr["po-1"] = errors.New("duplicate key value violates unique constraint")

	res, err := newTestEngine(nil).Run(context.Background(), "shop-a", store)
	require.NoError(t, err)

	assert.Equal(t, 1, res.PurchasesConverted)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, StageInvoice, res.Errors[0].Stage)

	state := store.snapshot()
	assert.Len(t, state.invoices, 1)
	assert.Len(t, state.audits, 1)
	assert.Equal(t, "po-2", state.audits[0].OrderID)
	assert.False(t, store.order("po-1").AutoConverted)
}

func TestRun_TransactionFailureAbortsEverything(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*memStore)
	}{
		{"listing fails", func(s *memStore) {
			s.listErr[ledger.PurchaseOrder] = errors.New("relation purchase_orders does not exist")
		}},
		{"savepoint fails", func(s *memStore) {
			s.savepointErr = errors.New("current transaction is aborted")
		}},
		{"connection lost mid-order", func(s *memStore) {
			s.invoiceErr["so-2"] = &pq.Error{Code: "57P01", Message: "terminating connection due to administrator command"}
		}},
		{"commit fails", func(s *memStore) {
			s.commitErr = errors.New("could not serialize access")
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newMemStore(
				confirmedOrder(ledger.SalesOrder, "so-1", "100"),
				confirmedOrder(ledger.SalesOrder, "so-2", "200"),
				confirmedOrder(ledger.PurchaseOrder, "po-1", "50"),
			)
			tc.setup(store)

			res, err := newTestEngine(nil).Run(context.Background(), "shop-a", store)
			require.Error(t, err)
			assert.Nil(t, res)

			state := store.snapshot()
			assert.Empty(t, state.invoices)
			assert.Empty(t, state.entries)
			assert.False(t, store.order("so-1").AutoConverted)
		})
	}
}

func TestRun_BusyWhileRunning(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	store := newMemStore(confirmedOrder(ledger.SalesOrder, "so-1", "100"))
	store.beforeTx = func() {
		close(started)
		<-release
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg, config.MimirConfig{})
	engine := NewEngine(nil, zap.NewNop(), collector)

	var wg sync.WaitGroup
	var firstRes *Result
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		firstRes, firstErr = engine.Run(context.Background(), "shop-a", store)
	}()

	<-started
	assert.Equal(t, StateRunning, engine.State("shop-a"))

	_, err := engine.Run(context.Background(), "shop-a", newMemStore())
	assert.ErrorIs(t, err, ErrBusy)

	// other tenants are not blocked
	other, err := engine.Run(context.Background(), "shop-b", newMemStore(confirmedOrder(ledger.SalesOrder, "so-9", "9")))
	require.NoError(t, err)
	assert.Equal(t, 1, other.Total)

	close(release)
	wg.Wait()

	require.NoError(t, firstErr)
	assert.Equal(t, 1, firstRes.Total)
	assert.Equal(t, StateIdle, engine.State("shop-a"))

	// the lock is free again
	_, err = engine.Run(context.Background(), "shop-a", newMemStore())
	assert.NoError(t, err)
}

func TestRedisLocker_AcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redisstore.NewClient(mr.Addr())
	defer client.Close()

	a := NewRedisLocker(client, time.Minute, zap.NewNop())
	b := NewRedisLocker(client, time.Minute, zap.NewNop())

	unlock, err := a.TryLock(context.Background(), "shop-a")
	require.NoError(t, err)

	_, err = b.TryLock(context.Background(), "shop-a")
	assert.ErrorIs(t, err, ErrBusy)

	unlockB, err := b.TryLock(context.Background(), "shop-b")
	require.NoError(t, err)
	unlockB()

	unlock()
	unlock() // second call is a no-op

	unlock, err = b.TryLock(context.Background(), "shop-a")
	require.NoError(t, err)
	unlock()
}

func TestMemoryLocker(t *testing.T) {
	l := NewMemoryLocker()

	unlock, err := l.TryLock(context.Background(), "shop-a")
	require.NoError(t, err)

	_, err = l.TryLock(context.Background(), "shop-a")
	assert.ErrorIs(t, err, ErrBusy)

	unlock()
	_, err = l.TryLock(context.Background(), "shop-a")
	assert.NoError(t, err)
}
