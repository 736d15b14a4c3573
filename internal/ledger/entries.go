package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/leozw/shopcore/internal/core"
)

func (t *Tx) AppendEntry(ctx context.Context, entry *Entry) error {
	query := `
        INSERT INTO ledger_entries (
            id, party_kind, party_id, entry_date, voucher_type, source_id,
            debit, credit, description, created_at
        ) VALUES (
            :id, :party_kind, :party_id, :entry_date, :voucher_type, :source_id,
            :debit, :credit, :description, :created_at
        )`

	_, err := t.tx.NamedExecContext(ctx, query, entry)
	return t.conn.Observe(err)
}

// SumLedger totals a party's entries per voucher type. A nil asOf covers
// all time; otherwise only entries dated at or before asOf count.
func (s *Store) SumLedger(ctx context.Context, kind PartyKind, partyID string, asOf *time.Time) ([]VoucherTotal, error) {
	query := `
        SELECT voucher_type,
               COALESCE(SUM(debit), 0)  AS debit,
               COALESCE(SUM(credit), 0) AS credit,
               COUNT(*)                 AS entries
        FROM ledger_entries
        WHERE party_kind = $1
          AND party_id = $2
          AND ($3::timestamptz IS NULL OR entry_date <= $3)
        GROUP BY voucher_type
        ORDER BY voucher_type`

	totals := []VoucherTotal{}
	err := s.conn.SelectContext(ctx, &totals, query, kind, partyID, asOf)
	return totals, s.conn.Observe(err)
}

// CachedBalance reads the denormalised balance column on the party row.
func (s *Store) CachedBalance(ctx context.Context, kind PartyKind, partyID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	query := fmt.Sprintf(`SELECT balance FROM %s WHERE id = $1`, kind.table())

	if err := s.conn.GetContext(ctx, &balance, query, partyID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, ErrNotFound
		}
		return decimal.Zero, s.conn.Observe(err)
	}
	return balance, nil
}

func (s *Store) UpdateCachedBalance(ctx context.Context, kind PartyKind, partyID string, balance decimal.Decimal) error {
	query := fmt.Sprintf(`UPDATE %s SET balance = $2, balance_synced_at = $3 WHERE id = $1`, kind.table())

	res, err := s.conn.ExecContext(ctx, query, partyID, balance, time.Now().UTC())
	if err != nil {
		return s.conn.Observe(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.conn.Observe(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListPartyIDs(ctx context.Context, kind PartyKind) ([]string, error) {
	ids := []string{}
	query := fmt.Sprintf(`SELECT id FROM %s ORDER BY id`, kind.table())

	err := s.conn.SelectContext(ctx, &ids, query)
	return ids, s.conn.Observe(err)
}

// GetUser looks a user up inside the shop database.
func (s *Store) GetUser(ctx context.Context, id string) (*core.User, error) {
	var user core.User
	query := `
        SELECT id, email, name, role, permissions, status, created_at
        FROM users
        WHERE id = $1
    `

	if err := s.conn.GetContext(ctx, &user, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, s.conn.Observe(err)
	}
	return &user, nil
}
