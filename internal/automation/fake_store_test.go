package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/leozw/shopcore/internal/ledger"
)

// memState is the committed content of a fake shop database.
type memState struct {
	orders   []*ledger.Order
	invoices map[string]*ledger.Invoice
	audits   []*ledger.OrderAudit
	entries  []*ledger.Entry
}

func (s *memState) clone() *memState {
	c := &memState{
		orders:   make([]*ledger.Order, len(s.orders)),
		invoices: make(map[string]*ledger.Invoice, len(s.invoices)),
		audits:   append([]*ledger.OrderAudit(nil), s.audits...),
		entries:  append([]*ledger.Entry(nil), s.entries...),
	}
	for i, o := range s.orders {
		cp := *o
		c.orders[i] = &cp
	}
	for k, v := range s.invoices {
		c.invoices[k] = v
	}
	return c
}

// memStore implements Store with snapshot semantics: a transaction works
// on a copy that replaces the committed state only on success.
type memStore struct {
	mu        sync.Mutex
	committed *memState

	listErr      map[ledger.OrderKind]error
	invoiceErr   map[string]error
	savepointErr error
	commitErr    error
	beforeTx     func()
}

func newMemStore(orders ...*ledger.Order) *memStore {
	return &memStore{
		committed:  &memState{orders: orders, invoices: map[string]*ledger.Invoice{}},
		listErr:    map[ledger.OrderKind]error{},
		invoiceErr: map[string]error{},
	}
}

func (m *memStore) InTx(ctx context.Context, fn func(ledger.UnitOfWork) error) error {
	if m.beforeTx != nil {
		m.beforeTx()
	}

	m.mu.Lock()
	work := m.committed.clone()
	m.mu.Unlock()

	if err := fn(&memTx{store: m, state: work}); err != nil {
		return err
	}
	if m.commitErr != nil {
		return &ledger.TxError{Op: "commit", Err: m.commitErr}
	}

	m.mu.Lock()
	m.committed = work
	m.mu.Unlock()
	return nil
}

func (m *memStore) snapshot() *memState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.committed.clone()
}

func (m *memStore) order(id string) *ledger.Order {
	for _, o := range m.snapshot().orders {
		if o.ID == id {
			return o
		}
	}
	return nil
}

type memTx struct {
	store *memStore
	state *memState
}

func (t *memTx) PendingOrders(_ context.Context, kind ledger.OrderKind) ([]*ledger.Order, error) {
	if err := t.store.listErr[kind]; err != nil {
		return nil, err
	}
	var out []*ledger.Order
	for _, o := range t.state.orders {
		if o.Kind == kind && o.Status == ledger.OrderStatusConfirmed && o.InvoiceID == nil && !o.AutoConverted {
			out = append(out, o)
		}
	}
	return out, nil
}

func (t *memTx) Savepoint(_ context.Context, fn func() error) error {
	if t.store.savepointErr != nil {
		return &ledger.TxError{Op: "savepoint", Err: t.store.savepointErr}
	}
	saved := t.state.clone()
	if err := fn(); err != nil {
		*t.state = *saved
		return err
	}
	return nil
}

func (t *memTx) InsertInvoice(_ context.Context, _ ledger.OrderKind, inv *ledger.Invoice) error {
	if err := t.store.invoiceErr[inv.OrderID]; err != nil {
		return err
	}
	if _, ok := t.state.invoices[inv.ID]; ok {
		return fmt.Errorf("duplicate invoice %s", inv.ID)
	}
	t.state.invoices[inv.ID] = inv
	return nil
}

func (t *memTx) MarkOrderConverted(_ context.Context, _ ledger.OrderKind, orderID, invoiceID string, at time.Time) error {
	for _, o := range t.state.orders {
		if o.ID != orderID {
			continue
		}
		if o.AutoConverted || o.InvoiceID != nil {
			return ledger.ErrAlreadyConverted
		}
		o.AutoConverted = true
		o.InvoiceID = &invoiceID
		o.Status = ledger.OrderStatusInvoiced
		o.ConvertedAt = &at
		return nil
	}
	return errors.New("order not found")
}

func (t *memTx) AppendOrderAudit(_ context.Context, audit *ledger.OrderAudit) error {
	t.state.audits = append(t.state.audits, audit)
	return nil
}

func (t *memTx) AppendEntry(_ context.Context, entry *ledger.Entry) error {
	t.state.entries = append(t.state.entries, entry)
	return nil
}

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func confirmedOrder(kind ledger.OrderKind, id string, total string) *ledger.Order {
	return &ledger.Order{
		ID:          id,
		Kind:        kind,
		OrderNumber: "NO-" + id,
		PartyID:     "party-" + id,
		Status:      ledger.OrderStatusConfirmed,
		OrderDate:   time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
		Subtotal:    money(total),
		Tax:         decimal.Zero,
		Discount:    decimal.Zero,
		Total:       money(total),
		Items: []ledger.OrderItem{{
			ID: "item-" + id, OrderID: id, Position: 1, ProductID: "p-1",
			Quantity: decimal.NewFromInt(1), UnitPrice: money(total), LineTotal: money(total),
		}},
	}
}
