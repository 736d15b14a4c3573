package ledger

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/leozw/shopcore/internal/registry"
)

// Migrations holds the per-shop schema applied at provisioning.
//
//go:embed migrations/*.sql
var Migrations embed.FS

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyConverted = errors.New("order already converted")
)

// TxError is a failure of the transaction itself (begin, commit or
// savepoint control) rather than of a statement inside it. Callers treat
// it as fatal for the unit of work.
type TxError struct {
	Op  string
	Err error
}

func (e *TxError) Error() string { return fmt.Sprintf("ledger tx %s: %v", e.Op, e.Err) }

func (e *TxError) Unwrap() error { return e.Err }

// UnitOfWork is the set of writes the automation engine performs inside
// one transaction.
type UnitOfWork interface {
	PendingOrders(ctx context.Context, kind OrderKind) ([]*Order, error)
	Savepoint(ctx context.Context, fn func() error) error
	InsertInvoice(ctx context.Context, kind OrderKind, inv *Invoice) error
	MarkOrderConverted(ctx context.Context, kind OrderKind, orderID, invoiceID string, at time.Time) error
	AppendOrderAudit(ctx context.Context, audit *OrderAudit) error
	AppendEntry(ctx context.Context, entry *Entry) error
}

// Store is the data access layer over one shop's database. Every error
// coming back from the handle is reported to it so a dead server evicts
// the cached connection.
type Store struct {
	conn *registry.Conn
}

func NewStore(conn *registry.Conn) *Store {
	return &Store{conn: conn}
}

func (s *Store) TenantID() string { return s.conn.TenantID() }

// InTx runs fn in a single transaction. Any error from fn rolls the
// whole transaction back.
func (s *Store) InTx(ctx context.Context, fn func(UnitOfWork) error) error {
	tx, err := s.conn.BeginTxx(ctx, nil)
	if err != nil {
		return &TxError{Op: "begin", Err: s.conn.Observe(err)}
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&Tx{tx: tx, conn: s.conn}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.conn.Observe(rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return &TxError{Op: "commit", Err: s.conn.Observe(err)}
	}
	return nil
}

// Tx implements UnitOfWork on a sqlx transaction.
type Tx struct {
	tx         *sqlx.Tx
	conn       *registry.Conn
	savepoints int
}

// Savepoint runs fn between SAVEPOINT and RELEASE. If fn fails the
// transaction is rolled back to the savepoint and fn's error returned
// as is, leaving the transaction usable. Failures of the savepoint
// statements themselves come back as *TxError.
func (t *Tx) Savepoint(ctx context.Context, fn func() error) error {
	t.savepoints++
	name := fmt.Sprintf("sp_%d", t.savepoints)

	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return &TxError{Op: "savepoint", Err: t.conn.Observe(err)}
	}

	if err := fn(); err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return &TxError{Op: "rollback to savepoint", Err: t.conn.Observe(rbErr)}
		}
		return err
	}

	if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return &TxError{Op: "release savepoint", Err: t.conn.Observe(err)}
	}
	return nil
}
