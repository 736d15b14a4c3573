package automation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Locker grants the right to run automation for one tenant. TryLock
// never waits: a held lock returns ErrBusy.
type Locker interface {
	TryLock(ctx context.Context, tenantID string) (unlock func(), err error)
}

// MemoryLocker is enough when a single scheduler process runs the engine.
type MemoryLocker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{running: make(map[string]struct{})}
}

func (l *MemoryLocker) TryLock(_ context.Context, tenantID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.running[tenantID]; ok {
		return nil, ErrBusy
	}
	l.running[tenantID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.running, tenantID)
			l.mu.Unlock()
		})
	}, nil
}

// LeaseStore is the subset of the redis client the lease locker needs.
type LeaseStore interface {
	AcquireLease(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, token string) error
}

// RedisLocker coordinates runs across scheduler and API replicas with a
// lease key per tenant. The TTL bounds how long a crashed holder blocks
// the tenant.
type RedisLocker struct {
	store  LeaseStore
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisLocker(store LeaseStore, ttl time.Duration, logger *zap.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{store: store, ttl: ttl, logger: logger}
}

func leaseKey(tenantID string) string {
	return fmt.Sprintf("automation:lock:%s", tenantID)
}

func (l *RedisLocker) TryLock(ctx context.Context, tenantID string) (func(), error) {
	key := leaseKey(tenantID)
	token := uuid.NewString()

	ok, err := l.store.AcquireLease(ctx, key, token, l.ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBusy
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// the run's context may already be cancelled
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.store.ReleaseLease(releaseCtx, key, token); err != nil {
				l.logger.Warn("Failed to release automation lease",
					zap.String("tenant_id", tenantID),
					zap.Error(err),
				)
			}
		})
	}, nil
}
