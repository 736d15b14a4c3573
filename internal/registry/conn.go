package registry

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

type State string

const (
	StateOpen   State = "open"
	StateBroken State = "broken"
)

// Conn is a cached tenant database handle. Callers never close it; the
// registry owns its lifetime.
type Conn struct {
	*sqlx.DB

	tenantID string
	broken   atomic.Bool
	once     sync.Once
	onBroken func(*Conn)
}

func newConn(tenantID string, db *sqlx.DB, onBroken func(*Conn)) *Conn {
	return &Conn{DB: db, tenantID: tenantID, onBroken: onBroken}
}

func (c *Conn) TenantID() string { return c.tenantID }

func (c *Conn) State() State {
	if c.broken.Load() {
		return StateBroken
	}
	return StateOpen
}

func (c *Conn) Healthy() bool { return !c.broken.Load() }

// Observe is the health observer. Data access code passes every error
// it gets from the handle through here; a disconnect marks the handle
// broken and evicts it from the registry. err is returned unchanged.
func (c *Conn) Observe(err error) error {
	if err != nil && IsDisconnect(err) {
		c.MarkBroken()
	}
	return err
}

// MarkBroken flags the handle and fires eviction exactly once.
func (c *Conn) MarkBroken() {
	c.broken.Store(true)
	c.once.Do(func() {
		if c.onBroken != nil {
			c.onBroken(c)
		}
	})
}

// IsDisconnect reports whether err means the server side of the handle
// is gone, as opposed to a query or constraint failure. A caller's own
// cancellation or deadline says nothing about the pool and never counts,
// even though context.DeadlineExceeded satisfies net.Error.
func IsDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// 08: connection exception; 57P01-57P03: admin/crash shutdown, cannot connect now
		if pqErr.Code.Class() == "08" {
			return true
		}
		switch pqErr.Code {
		case "57P01", "57P02", "57P03":
			return true
		}
	}

	return false
}
