package provisioning

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leozw/shopcore/internal/core"
	"github.com/leozw/shopcore/internal/registry"
	"github.com/leozw/shopcore/internal/storage/postgres"
	"github.com/leozw/shopcore/internal/vault"
)

type memDirectory struct {
	mu        sync.Mutex
	tenants   map[string]*core.Tenant
	deleted   []string
	createErr error
}

func newMemDirectory() *memDirectory {
	return &memDirectory{tenants: map[string]*core.Tenant{}}
}

func (d *memDirectory) CreateTenant(_ context.Context, t *core.Tenant) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.createErr != nil {
		return d.createErr
	}
	cp := *t
	d.tenants[t.ID] = &cp
	return nil
}

func (d *memDirectory) GetTenant(_ context.Context, id string) (*core.Tenant, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tenants[id]
	if !ok {
		return nil, postgres.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (d *memDirectory) TenantExists(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.tenants[id]
	return ok, nil
}

func (d *memDirectory) DeleteTenant(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.tenants, id)
	d.deleted = append(d.deleted, id)
	return nil
}

func (d *memDirectory) UpdateTenantStatus(_ context.Context, id string, status core.TenantStatus) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tenants[id]
	if !ok {
		return postgres.ErrNotFound
	}
	t.Status = status
	return nil
}

func (d *memDirectory) UpdateSubscription(_ context.Context, id string, start, end *time.Time, payment core.PaymentStatus) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tenants[id]
	if !ok {
		return postgres.ErrNotFound
	}
	t.SubscriptionStart, t.SubscriptionEnd, t.PaymentStatus = start, end, payment
	return nil
}

type fixture struct {
	svc     *Service
	dir     *memDirectory
	vault   *vault.Vault
	reg     *registry.Registry
	dialErr error
}

func newFixture(t *testing.T, migrate Migrator) *fixture {
	t.Helper()

	v, err := vault.New("provisioning-secret")
	require.NoError(t, err)

	f := &fixture{dir: newMemDirectory(), vault: v}
	f.reg = registry.New(registry.Options{
		Dialer: func(ctx context.Context, dsn string, opts registry.Options) (*sqlx.DB, error) {
			if f.dialErr != nil {
				return nil, f.dialErr
			}
			raw, mock, err := sqlmock.New()
			require.NoError(t, err)
			mock.ExpectClose()
			return sqlx.NewDb(raw, "postgres"), nil
		},
	}, zap.NewNop(), nil)
	t.Cleanup(func() { f.reg.CloseAll() })

	f.svc = NewService(f.dir, v, f.reg, migrate, zap.NewNop())
	return f
}

func validInput() Input {
	return Input{
		ID:         "shop-a",
		Name:       "Shop A",
		OwnerEmail: "owner@shop-a.test",
		DSN:        "postgres://shop_a:pw@db/shop_a",
	}
}

func TestProvision(t *testing.T) {
	f := newFixture(t, nil)

	tenant, err := f.svc.Provision(context.Background(), validInput())
	require.NoError(t, err)

	assert.Equal(t, core.TenantActive, tenant.Status)
	assert.Equal(t, core.PaymentUnpaid, tenant.PaymentStatus)
	assert.True(t, vault.IsSealed(tenant.EncryptedDSN))
	assert.NotContains(t, tenant.EncryptedDSN, "shop_a:pw")

	stored, err := f.dir.GetTenant(context.Background(), "shop-a")
	require.NoError(t, err)
	dsn, err := f.vault.Decrypt(stored.EncryptedDSN)
	require.NoError(t, err)
	assert.Equal(t, "postgres://shop_a:pw@db/shop_a", dsn)
	assert.Equal(t, 1, f.reg.Len())
}

func TestProvision_AlreadySealedCredentialIsNotWrappedTwice(t *testing.T) {
	f := newFixture(t, nil)

	sealed, err := f.vault.Encrypt("postgres://shop_a:pw@db/shop_a")
	require.NoError(t, err)

	in := validInput()
	in.DSN = sealed
	tenant, err := f.svc.Provision(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, sealed, tenant.EncryptedDSN)
}

func TestProvision_Duplicate(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.Provision(context.Background(), validInput())
	require.NoError(t, err)

	_, err = f.svc.Provision(context.Background(), validInput())
	assert.ErrorIs(t, err, ErrTenantExists)
}

func TestProvision_ConcurrentInsertOfSameID(t *testing.T) {
	f := newFixture(t, nil)
	f.dir.createErr = &pq.Error{Code: "23505", Constraint: "tenants_pkey", Message: "duplicate key value violates unique constraint"}

	_, err := f.svc.Provision(context.Background(), validInput())
	assert.ErrorIs(t, err, ErrTenantExists)
	assert.Empty(t, f.dir.deleted, "the other request's record must survive")
	assert.Equal(t, 0, f.reg.Len())
}

func TestProvision_CreateFailureIsWrapped(t *testing.T) {
	f := newFixture(t, nil)
	f.dir.createErr = &pq.Error{Code: "23502", Message: "null value in column"}

	_, err := f.svc.Provision(context.Background(), validInput())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTenantExists)
	assert.Contains(t, err.Error(), "create tenant")
}

func TestProvision_UnreachableRollsBack(t *testing.T) {
	f := newFixture(t, nil)
	f.dialErr = errors.New("connection refused")

	_, err := f.svc.Provision(context.Background(), validInput())

	var connErr *registry.ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, []string{"shop-a"}, f.dir.deleted)

	exists, _ := f.dir.TenantExists(context.Background(), "shop-a")
	assert.False(t, exists)
}

func TestProvision_MigrationFailureRollsBack(t *testing.T) {
	var migrated string
	f := newFixture(t, func(_ context.Context, dsn string) error {
		migrated = dsn
		return errors.New("dirty database version 3")
	})

	_, err := f.svc.Provision(context.Background(), validInput())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migrate tenant")
	assert.Equal(t, "postgres://shop_a:pw@db/shop_a", migrated)
	assert.Equal(t, []string{"shop-a"}, f.dir.deleted)
	assert.Equal(t, 0, f.reg.Len())
}

func TestProvision_Validation(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	before := start.Add(-time.Hour)

	tests := []struct {
		name   string
		mutate func(*Input)
		field  string
	}{
		{"bad id", func(in *Input) { in.ID = "Shop A!" }, "id"},
		{"no name", func(in *Input) { in.Name = " " }, "name"},
		{"no dsn", func(in *Input) { in.DSN = "" }, "dsn"},
		{"bad payment", func(in *Input) { in.PaymentStatus = "maybe" }, "payment_status"},
		{"window reversed", func(in *Input) { in.SubscriptionStart, in.SubscriptionEnd = &start, &before }, "subscription_end"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			in := validInput()
			tt.mutate(&in)

			_, err := f.svc.Provision(context.Background(), in)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
			assert.Empty(t, f.dir.tenants)
		})
	}
}

func TestUpdateStatus_ClosesConnectionWhenLeavingActive(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.Provision(context.Background(), validInput())
	require.NoError(t, err)
	require.Equal(t, 1, f.reg.Len())

	tenant, err := f.svc.UpdateStatus(context.Background(), "shop-a", core.TenantSuspended)
	require.NoError(t, err)
	assert.Equal(t, core.TenantSuspended, tenant.Status)
	assert.Equal(t, 0, f.reg.Len())

	tenant, err = f.svc.UpdateStatus(context.Background(), "shop-a", core.TenantActive)
	require.NoError(t, err)
	assert.Equal(t, core.TenantActive, tenant.Status)

	_, err = f.svc.UpdateStatus(context.Background(), "shop-a", "deleted")
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))

	_, err = f.svc.UpdateStatus(context.Background(), "missing", core.TenantInactive)
	assert.ErrorIs(t, err, postgres.ErrNotFound)
}

func TestUpdateSubscription(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.Provision(context.Background(), validInput())
	require.NoError(t, err)

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(1, 0, 0)

	tenant, err := f.svc.UpdateSubscription(context.Background(), "shop-a", Subscription{Start: &start, End: &end, PaymentStatus: core.PaymentPaid})
	require.NoError(t, err)
	assert.Equal(t, core.PaymentPaid, tenant.PaymentStatus)
	assert.Equal(t, end, *tenant.SubscriptionEnd)

	_, err = f.svc.UpdateSubscription(context.Background(), "shop-a", Subscription{Start: &end, End: &start, PaymentStatus: core.PaymentPaid})
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
}
