package automation

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leozw/shopcore/internal/ledger"
)

func TestBuildInvoice_Deterministic(t *testing.T) {
	order := confirmedOrder(ledger.SalesOrder, "so-1", "500")
	order.Items = append(order.Items, ledger.OrderItem{
		ID: "item-2", OrderID: "so-1", Position: 2, ProductID: "p-2",
		Quantity: decimal.NewFromInt(2), UnitPrice: money("0"), LineTotal: money("0"),
	})

	a := BuildInvoice(order, fixedNow)
	b := BuildInvoice(order, fixedNow)
	assert.Equal(t, a, b)

	require.Len(t, a.Items, 2)
	assert.Equal(t, a.ID, a.Items[0].InvoiceID)
	assert.NotEqual(t, a.Items[0].ID, a.Items[1].ID)
	assert.True(t, a.AutoGenerated)
	assert.Equal(t, order.ID, a.OrderID)
	assert.Equal(t, order.PartyID, a.PartyID)
}

func TestBuildInvoice_Purchase(t *testing.T) {
	order := confirmedOrder(ledger.PurchaseOrder, "po-1", "75.25")
	inv := BuildInvoice(order, fixedNow)

	assert.Equal(t, "PINV-NO-po-1", inv.InvoiceNumber)
	assert.NotEqual(t, BuildInvoice(confirmedOrder(ledger.SalesOrder, "po-1", "75.25"), fixedNow).ID, inv.ID)

	entry := LedgerEntry(order, inv)
	assert.Equal(t, ledger.PartySupplier, entry.PartyKind)
	assert.Equal(t, ledger.VoucherPurchase, entry.VoucherType)
	assert.True(t, entry.Credit.Equal(money("75.25")))
	assert.True(t, entry.Debit.IsZero())
	assert.Equal(t, inv.ID, entry.SourceID)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*ledger.Order)
		wantErr string
	}{
		{"valid", func(*ledger.Order) {}, ""},
		{"no number", func(o *ledger.Order) { o.OrderNumber = "" }, "no number"},
		{"no party", func(o *ledger.Order) { o.PartyID = "" }, "no customer"},
		{"no items", func(o *ledger.Order) { o.Items = nil }, "no items"},
		{"zero total", func(o *ledger.Order) { o.Total = decimal.Zero }, "not positive"},
		{"totals mismatch", func(o *ledger.Order) { o.Tax = money("5") }, "does not match"},
		{"with tax and discount", func(o *ledger.Order) {
			o.Subtotal = money("90")
			o.Tax = money("15.50")
			o.Discount = money("5.50")
			o.Total = money("100")
		}, ""},
		{"negative price", func(o *ledger.Order) { o.Items[0].UnitPrice = money("-1") }, "negative"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			order := confirmedOrder(ledger.SalesOrder, "so-1", "100")
			tc.mutate(order)

			err := Validate(order)
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
