package automation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/leozw/shopcore/internal/ledger"
)

// Ids of generated rows are derived from the order they come from, so
// converting the same order twice collides on the primary key.
var idNamespace = uuid.MustParse("6f1c1d2e-8a4b-4f57-9d43-3a0c2b7e51a9")

func derivedID(parts ...string) string {
	return uuid.NewSHA1(idNamespace, []byte(strings.Join(parts, ":"))).String()
}

func invoiceNumber(order *ledger.Order) string {
	if order.Kind == ledger.PurchaseOrder {
		return "PINV-" + order.OrderNumber
	}
	return "INV-" + order.OrderNumber
}

// Validate rejects orders that cannot be turned into a consistent invoice.
func Validate(order *ledger.Order) error {
	switch {
	case order.OrderNumber == "":
		return errors.New("order has no number")
	case order.PartyID == "":
		return fmt.Errorf("order has no %s", order.Kind.Party())
	case len(order.Items) == 0:
		return errors.New("order has no items")
	case !order.Total.IsPositive():
		return fmt.Errorf("order total %s is not positive", order.Total.StringFixed(2))
	}

	expected := order.Subtotal.Add(order.Tax).Sub(order.Discount)
	if !expected.Round(2).Equal(order.Total.Round(2)) {
		return fmt.Errorf("order total %s does not match subtotal+tax-discount %s",
			order.Total.StringFixed(2), expected.StringFixed(2))
	}

	for _, item := range order.Items {
		if item.Quantity.IsNegative() || item.UnitPrice.IsNegative() {
			return fmt.Errorf("item %d has a negative quantity or price", item.Position)
		}
	}
	return nil
}

// BuildInvoice derives the invoice for an order. The same order and time
// always produce the same invoice.
func BuildInvoice(order *ledger.Order, at time.Time) *ledger.Invoice {
	id := derivedID("invoice", string(order.Kind), order.ID)

	inv := &ledger.Invoice{
		ID:            id,
		InvoiceNumber: invoiceNumber(order),
		OrderID:       order.ID,
		PartyID:       order.PartyID,
		InvoiceDate:   at,
		Subtotal:      order.Subtotal,
		Tax:           order.Tax,
		Discount:      order.Discount,
		Total:         order.Total,
		PaidAmount:    decimal.Zero,
		DueAmount:     order.Total,
		PaymentStatus: ledger.InvoicePaymentPending,
		AutoGenerated: true,
		CreatedAt:     at,
		Items:         make([]ledger.InvoiceItem, 0, len(order.Items)),
	}

	for _, item := range order.Items {
		inv.Items = append(inv.Items, ledger.InvoiceItem{
			ID:          derivedID("invoice-item", id, strconv.Itoa(item.Position)),
			InvoiceID:   id,
			Position:    item.Position,
			ProductID:   item.ProductID,
			Description: item.Description,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			Tax:         item.Tax,
			Discount:    item.Discount,
			LineTotal:   item.LineTotal,
		})
	}

	return inv
}

// LedgerEntry posts an invoice: a sale debits the customer, a purchase
// credits the supplier.
func LedgerEntry(order *ledger.Order, inv *ledger.Invoice) *ledger.Entry {
	entry := &ledger.Entry{
		ID:          derivedID("entry", inv.ID),
		PartyKind:   order.Kind.Party(),
		PartyID:     order.PartyID,
		EntryDate:   inv.InvoiceDate,
		SourceID:    inv.ID,
		Debit:       decimal.Zero,
		Credit:      decimal.Zero,
		Description: "Invoice " + inv.InvoiceNumber,
		CreatedAt:   inv.CreatedAt,
	}

	if order.Kind == ledger.PurchaseOrder {
		entry.VoucherType = ledger.VoucherPurchase
		entry.Credit = inv.Total
	} else {
		entry.VoucherType = ledger.VoucherSale
		entry.Debit = inv.Total
	}
	return entry
}
