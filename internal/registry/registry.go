package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/leozw/shopcore/internal/metrics"
)

// ConnectionError is returned when a tenant handle cannot be opened.
// Nothing is cached when it is returned.
type ConnectionError struct {
	TenantID string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("tenant %s: connection failed: %v", e.TenantID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

var ErrClosed = errors.New("registry closed")

// Dialer opens and verifies a handle. The default dialer uses lib/pq.
type Dialer func(ctx context.Context, dsn string, opts Options) (*sqlx.DB, error)

type Options struct {
	MinPoolSize      int
	MaxPoolSize      int
	ConnectTimeout   time.Duration // initial TCP/auth handshake
	DiscoveryTimeout time.Duration // first ping after open
	IdleTimeout      time.Duration // idle sockets are closed after this
	MaxLifetime      time.Duration
	DrainTimeout     time.Duration // how long an evicted pool may keep serving in-flight work
	Dialer           Dialer
}

func (o Options) withDefaults() Options {
	if o.MinPoolSize <= 0 {
		o.MinPoolSize = 1
	}
	if o.MaxPoolSize <= 0 {
		o.MaxPoolSize = 10
	}
	if o.MaxPoolSize < o.MinPoolSize {
		o.MaxPoolSize = o.MinPoolSize
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.DiscoveryTimeout <= 0 {
		o.DiscoveryTimeout = 5 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 30 * time.Second
	}
	if o.MaxLifetime <= 0 {
		o.MaxLifetime = 30 * time.Minute
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 30 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = DialPostgres
	}
	return o
}

// Registry caches one live handle per tenant. All access to the cache
// goes through its methods.
type Registry struct {
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Collector

	mu     sync.RWMutex
	conns  map[string]*Conn
	closed bool

	dials     singleflight.Group
	drainPoll time.Duration
}

func New(opts Options, logger *zap.Logger, collector *metrics.Collector) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		opts:    opts.withDefaults(),
		logger:  logger.Named("registry"),
		metrics: collector,
		conns:   make(map[string]*Conn),

		drainPoll: 100 * time.Millisecond,
	}
}

// Get returns the cached healthy handle for tenantID or opens a new one.
// Concurrent first calls for the same tenant share a single dial. The
// dial is detached from ctx, so one caller giving up does not fail the
// others waiting on it; DiscoveryTimeout still bounds it.
func (r *Registry) Get(ctx context.Context, tenantID, dsn string) (*Conn, error) {
	if conn, ok := r.cached(tenantID); ok {
		return conn, nil
	}

	dialCtx := context.WithoutCancel(ctx)
	ch := r.dials.DoChan(tenantID, func() (interface{}, error) {
		if conn, ok := r.cached(tenantID); ok {
			return conn, nil
		}
		return r.open(dialCtx, tenantID, dsn)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Conn), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) cached(tenantID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[tenantID]
	if !ok || !conn.Healthy() {
		return nil, false
	}
	return conn, true
}

func (r *Registry) open(ctx context.Context, tenantID, dsn string) (*Conn, error) {
	start := time.Now()

	db, err := r.opts.Dialer(ctx, dsn, r.opts)
	if err != nil {
		r.metrics.RecordConnectionFailure(tenantID)
		r.logger.Warn("Failed to open tenant connection",
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
		return nil, &ConnectionError{TenantID: tenantID, Err: err}
	}

	conn := newConn(tenantID, db, r.evict)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		db.Close()
		return nil, &ConnectionError{TenantID: tenantID, Err: ErrClosed}
	}
	previous := r.conns[tenantID]
	r.conns[tenantID] = conn
	cached := len(r.conns)
	r.mu.Unlock()

	if previous != nil {
		// a broken handle still in the map, replaced rather than reused
		previous.broken.Store(true)
		r.retire(previous)
	}

	r.metrics.RecordConnectionOpened(tenantID, cached)
	r.logger.Info("Opened tenant connection",
		zap.String("tenant_id", tenantID),
		zap.Duration("latency", time.Since(start)),
	)

	return conn, nil
}

// evict is the observer callback. It only removes the entry if it still
// points at conn, so a stale handle never evicts its replacement.
func (r *Registry) evict(conn *Conn) {
	r.mu.Lock()
	current, ok := r.conns[conn.tenantID]
	if ok && current == conn {
		delete(r.conns, conn.tenantID)
	}
	cached := len(r.conns)
	r.mu.Unlock()

	if !ok || current != conn {
		return
	}

	r.metrics.RecordConnectionEvicted(conn.tenantID, cached)
	r.logger.Warn("Evicted broken tenant connection", zap.String("tenant_id", conn.tenantID))

	r.retire(conn)
}

// retire closes an evicted pool once nothing is using it, or after
// DrainTimeout. Requests that already hold the handle keep working while
// new ones get a fresh pool from Get.
func (r *Registry) retire(conn *Conn) {
	go func() {
		deadline := time.Now().Add(r.opts.DrainTimeout)
		ticker := time.NewTicker(r.drainPoll)
		defer ticker.Stop()

		for {
			<-ticker.C
			if conn.DB.Stats().InUse == 0 || time.Now().After(deadline) {
				break
			}
		}

		if err := conn.DB.Close(); err != nil {
			r.logger.Debug("Closing broken tenant connection", zap.String("tenant_id", conn.tenantID), zap.Error(err))
		}
	}()
}

// Close drops and closes the handle for tenantID, if any.
func (r *Registry) Close(tenantID string) error {
	r.mu.Lock()
	conn, ok := r.conns[tenantID]
	delete(r.conns, tenantID)
	cached := len(r.conns)
	r.mu.Unlock()

	if !ok {
		return nil
	}

	r.metrics.RecordConnectionsCached(cached)
	conn.broken.Store(true)
	return conn.DB.Close()
}

// CloseAll closes every handle and refuses new ones.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*Conn)
	r.closed = true
	r.mu.Unlock()

	var errs []error
	for tenantID, conn := range conns {
		conn.broken.Store(true)
		if err := conn.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenantID, err))
		}
	}

	r.metrics.RecordConnectionsCached(0)
	return errors.Join(errs...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// DialPostgres opens a lib/pq pool with bounded timeouts and pool size
// and pings it once before handing it back.
func DialPostgres(ctx context.Context, dsn string, opts Options) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", WithConnectTimeout(dsn, opts.ConnectTimeout))
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(opts.MaxPoolSize)
	db.SetMaxIdleConns(opts.MinPoolSize)
	db.SetConnMaxIdleTime(opts.IdleTimeout)
	db.SetConnMaxLifetime(opts.MaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, opts.DiscoveryTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// WithConnectTimeout sets lib/pq's connect_timeout (whole seconds, at
// least one) unless the DSN already carries one. Both URL and keyword
// DSNs are handled.
func WithConnectTimeout(dsn string, timeout time.Duration) string {
	if timeout <= 0 || strings.Contains(dsn, "connect_timeout") {
		return dsn
	}

	secs := int(timeout / time.Second)
	if secs < 1 {
		secs = 1
	}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return dsn
		}
		q := u.Query()
		q.Set("connect_timeout", strconv.Itoa(secs))
		u.RawQuery = q.Encode()
		return u.String()
	}

	return strings.TrimSpace(dsn) + " connect_timeout=" + strconv.Itoa(secs)
}
