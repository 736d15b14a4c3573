package ledger

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type PartyKind string

const (
	PartyCustomer PartyKind = "customer"
	PartySupplier PartyKind = "supplier"
)

func (k PartyKind) Valid() bool {
	return k == PartyCustomer || k == PartySupplier
}

func (k PartyKind) table() string {
	if k == PartySupplier {
		return "suppliers"
	}
	return "customers"
}

type OrderKind string

const (
	SalesOrder    OrderKind = "sales"
	PurchaseOrder OrderKind = "purchase"
)

// Party is the counterparty kind an order of this kind posts against.
func (k OrderKind) Party() PartyKind {
	if k == PurchaseOrder {
		return PartySupplier
	}
	return PartyCustomer
}

func (k OrderKind) orderTable() string {
	if k == PurchaseOrder {
		return "purchase_orders"
	}
	return "sales_orders"
}

func (k OrderKind) itemTable() string {
	if k == PurchaseOrder {
		return "purchase_order_items"
	}
	return "sales_order_items"
}

func (k OrderKind) invoiceTable() string {
	if k == PurchaseOrder {
		return "purchase_invoices"
	}
	return "sales_invoices"
}

func (k OrderKind) invoiceItemTable() string {
	if k == PurchaseOrder {
		return "purchase_invoice_items"
	}
	return "sales_invoice_items"
}

func (k OrderKind) partyColumn() string {
	if k == PurchaseOrder {
		return "supplier_id"
	}
	return "customer_id"
}

const (
	OrderStatusConfirmed = "confirmed"
	OrderStatusInvoiced  = "invoiced"

	InvoicePaymentPending = "pending"
)

type Order struct {
	ID            string          `json:"id" db:"id"`
	Kind          OrderKind       `json:"kind" db:"-"`
	OrderNumber   string          `json:"order_number" db:"order_number"`
	PartyID       string          `json:"party_id" db:"party_id"`
	Status        string          `json:"status" db:"status"`
	OrderDate     time.Time       `json:"order_date" db:"order_date"`
	Subtotal      decimal.Decimal `json:"subtotal" db:"subtotal"`
	Tax           decimal.Decimal `json:"tax" db:"tax"`
	Discount      decimal.Decimal `json:"discount" db:"discount"`
	Total         decimal.Decimal `json:"total" db:"total"`
	AutoConverted bool            `json:"auto_converted" db:"auto_converted"`
	InvoiceID     *string         `json:"invoice_id,omitempty" db:"invoice_id"`
	ConvertedAt   *time.Time      `json:"converted_at,omitempty" db:"converted_at"`

	Items []OrderItem `json:"items" db:"-"`
}

type OrderItem struct {
	ID          string          `json:"id" db:"id"`
	OrderID     string          `json:"order_id" db:"order_id"`
	Position    int             `json:"position" db:"position"`
	ProductID   string          `json:"product_id" db:"product_id"`
	Description string          `json:"description" db:"description"`
	Quantity    decimal.Decimal `json:"quantity" db:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price" db:"unit_price"`
	Tax         decimal.Decimal `json:"tax" db:"tax"`
	Discount    decimal.Decimal `json:"discount" db:"discount"`
	LineTotal   decimal.Decimal `json:"line_total" db:"line_total"`
}

type Invoice struct {
	ID            string          `json:"id" db:"id"`
	InvoiceNumber string          `json:"invoice_number" db:"invoice_number"`
	OrderID       string          `json:"order_id" db:"order_id"`
	PartyID       string          `json:"party_id" db:"party_id"`
	InvoiceDate   time.Time       `json:"invoice_date" db:"invoice_date"`
	Subtotal      decimal.Decimal `json:"subtotal" db:"subtotal"`
	Tax           decimal.Decimal `json:"tax" db:"tax"`
	Discount      decimal.Decimal `json:"discount" db:"discount"`
	Total         decimal.Decimal `json:"total" db:"total"`
	PaidAmount    decimal.Decimal `json:"paid_amount" db:"paid_amount"`
	DueAmount     decimal.Decimal `json:"due_amount" db:"due_amount"`
	PaymentStatus string          `json:"payment_status" db:"payment_status"`
	AutoGenerated bool            `json:"auto_generated" db:"auto_generated"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`

	Items []InvoiceItem `json:"items" db:"-"`
}

type InvoiceItem struct {
	ID          string          `json:"id" db:"id"`
	InvoiceID   string          `json:"invoice_id" db:"invoice_id"`
	Position    int             `json:"position" db:"position"`
	ProductID   string          `json:"product_id" db:"product_id"`
	Description string          `json:"description" db:"description"`
	Quantity    decimal.Decimal `json:"quantity" db:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price" db:"unit_price"`
	Tax         decimal.Decimal `json:"tax" db:"tax"`
	Discount    decimal.Decimal `json:"discount" db:"discount"`
	LineTotal   decimal.Decimal `json:"line_total" db:"line_total"`
}

// OrderAudit is one line of an order's history.
type OrderAudit struct {
	ID        string    `json:"id" db:"id"`
	OrderKind OrderKind `json:"order_kind" db:"order_kind"`
	OrderID   string    `json:"order_id" db:"order_id"`
	Action    string    `json:"action" db:"action"`
	Details   JSONB     `json:"details" db:"details"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type VoucherType string

const (
	VoucherSale           VoucherType = "sale"
	VoucherPurchase       VoucherType = "purchase"
	VoucherCashPayment    VoucherType = "cash_payment"
	VoucherBankPayment    VoucherType = "bank_payment"
	VoucherCashReceipt    VoucherType = "cash_receipt"
	VoucherBankReceipt    VoucherType = "bank_receipt"
	VoucherSaleReturn     VoucherType = "sale_return"
	VoucherPurchaseReturn VoucherType = "purchase_return"
)

// DebitNatural reports whether the voucher type is normally posted on the
// debit side. Sales, payments and purchase returns are; purchases,
// receipts and sale returns are posted as credits.
func (t VoucherType) DebitNatural() bool {
	switch t {
	case VoucherSale, VoucherCashPayment, VoucherBankPayment, VoucherPurchaseReturn:
		return true
	}
	return false
}

// Entry is an immutable ledger line. Each voucher type has a natural
// side (see VoucherType.DebitNatural): a sale or a payment debits the
// party, a purchase, a receipt or a sale return credits it and a purchase
// return debits it. A correction is a new entry of the same voucher type
// on the opposite side, so it cancels the original inside its category.
// The table rejects UPDATE and DELETE. Return vouchers are only posted
// once the return is approved.
type Entry struct {
	ID          string          `json:"id" db:"id"`
	PartyKind   PartyKind       `json:"party_kind" db:"party_kind"`
	PartyID     string          `json:"party_id" db:"party_id"`
	EntryDate   time.Time       `json:"entry_date" db:"entry_date"`
	VoucherType VoucherType     `json:"voucher_type" db:"voucher_type"`
	SourceID    string          `json:"source_id" db:"source_id"`
	Debit       decimal.Decimal `json:"debit" db:"debit"`
	Credit      decimal.Decimal `json:"credit" db:"credit"`
	Description string          `json:"description" db:"description"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Contribution is the entry's effect on the running balance.
func (e *Entry) Contribution() decimal.Decimal {
	return e.Debit.Sub(e.Credit)
}

// VoucherTotal aggregates one party's entries of one voucher type.
type VoucherTotal struct {
	VoucherType VoucherType     `db:"voucher_type"`
	Debit       decimal.Decimal `db:"debit"`
	Credit      decimal.Decimal `db:"credit"`
	Entries     int             `db:"entries"`
}

// Net is the category's movement on its natural side. Entries posted on
// the opposite side reduce it.
func (v VoucherTotal) Net() decimal.Decimal {
	if v.VoucherType.DebitNatural() {
		return v.Debit.Sub(v.Credit)
	}
	return v.Credit.Sub(v.Debit)
}

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*j = make(map[string]interface{})
		return nil
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	}
	return fmt.Errorf("jsonb: cannot scan %T", value)
}
