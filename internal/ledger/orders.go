package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PendingOrders returns confirmed orders with no invoice and no
// conversion marker, items attached. Rows are locked for the rest of the
// transaction; rows another transaction holds are skipped.
func (t *Tx) PendingOrders(ctx context.Context, kind OrderKind) ([]*Order, error) {
	query := fmt.Sprintf(`
        SELECT id, order_number, %s AS party_id, status, order_date,
               subtotal, tax, discount, total, auto_converted, invoice_id, converted_at
        FROM %s
        WHERE status = $1
          AND invoice_id IS NULL
          AND auto_converted = false
        ORDER BY order_date, id
        FOR UPDATE SKIP LOCKED`, kind.partyColumn(), kind.orderTable())

	orders := []*Order{}
	if err := t.tx.SelectContext(ctx, &orders, query, OrderStatusConfirmed); err != nil {
		return nil, t.conn.Observe(err)
	}
	if len(orders) == 0 {
		return orders, nil
	}

	ids := make([]string, len(orders))
	byID := make(map[string]*Order, len(orders))
	for i, o := range orders {
		o.Kind = kind
		ids[i] = o.ID
		byID[o.ID] = o
	}

	itemQuery := fmt.Sprintf(`
        SELECT id, order_id, position, product_id, description,
               quantity, unit_price, tax, discount, line_total
        FROM %s
        WHERE order_id = ANY($1)
        ORDER BY order_id, position`, kind.itemTable())

	var items []OrderItem
	if err := t.tx.SelectContext(ctx, &items, itemQuery, pq.Array(ids)); err != nil {
		return nil, t.conn.Observe(err)
	}
	for _, item := range items {
		if o, ok := byID[item.OrderID]; ok {
			o.Items = append(o.Items, item)
		}
	}

	return orders, nil
}

func (t *Tx) InsertInvoice(ctx context.Context, kind OrderKind, inv *Invoice) error {
	query := fmt.Sprintf(`
        INSERT INTO %s (
            id, invoice_number, order_id, %s, invoice_date,
            subtotal, tax, discount, total, paid_amount, due_amount,
            payment_status, auto_generated, created_at
        ) VALUES (
            :id, :invoice_number, :order_id, :party_id, :invoice_date,
            :subtotal, :tax, :discount, :total, :paid_amount, :due_amount,
            :payment_status, :auto_generated, :created_at
        )`, kind.invoiceTable(), kind.partyColumn())

	if _, err := t.tx.NamedExecContext(ctx, query, inv); err != nil {
		return t.conn.Observe(err)
	}

	if len(inv.Items) == 0 {
		return nil
	}

	itemQuery := fmt.Sprintf(`
        INSERT INTO %s (
            id, invoice_id, position, product_id, description,
            quantity, unit_price, tax, discount, line_total
        ) VALUES (
            :id, :invoice_id, :position, :product_id, :description,
            :quantity, :unit_price, :tax, :discount, :line_total
        )`, kind.invoiceItemTable())

	if _, err := t.tx.NamedExecContext(ctx, itemQuery, inv.Items); err != nil {
		return t.conn.Observe(err)
	}
	return nil
}

// MarkOrderConverted sets the conversion marker and links the invoice.
// The update is conditional on the order still being unconverted, so a
// concurrent conversion surfaces as ErrAlreadyConverted instead of a
// second invoice link.
func (t *Tx) MarkOrderConverted(ctx context.Context, kind OrderKind, orderID, invoiceID string, at time.Time) error {
	query := fmt.Sprintf(`
        UPDATE %s SET
            auto_converted = true,
            invoice_id = $2,
            status = $3,
            converted_at = $4,
            updated_at = $4
        WHERE id = $1
          AND auto_converted = false
          AND invoice_id IS NULL`, kind.orderTable())

	res, err := t.tx.ExecContext(ctx, query, orderID, invoiceID, OrderStatusInvoiced, at)
	if err != nil {
		return t.conn.Observe(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return t.conn.Observe(err)
	}
	if n == 0 {
		return ErrAlreadyConverted
	}
	return nil
}

func (t *Tx) AppendOrderAudit(ctx context.Context, audit *OrderAudit) error {
	query := `
        INSERT INTO order_audit (id, order_kind, order_id, action, details, created_at)
        VALUES (:id, :order_kind, :order_id, :action, :details, :created_at)`

	_, err := t.tx.NamedExecContext(ctx, query, audit)
	return t.conn.Observe(err)
}
