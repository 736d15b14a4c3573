package postgres

import (
	"context"
	"time"

	"github.com/leozw/shopcore/internal/core"
)

const tenantColumns = `id, name, owner_email, encrypted_dsn, status, payment_status,
               subscription_start, subscription_end, created_at, updated_at`

func (db *DB) CreateTenant(ctx context.Context, tenant *core.Tenant) error {
	query := `
        INSERT INTO tenants (
            id, name, owner_email, encrypted_dsn, status, payment_status,
            subscription_start, subscription_end, created_at, updated_at
        ) VALUES (
            :id, :name, :owner_email, :encrypted_dsn, :status, :payment_status,
            :subscription_start, :subscription_end, :created_at, :updated_at
        )`

	_, err := db.NamedExecContext(ctx, query, tenant)
	return err
}

func (db *DB) GetTenant(ctx context.Context, id string) (*core.Tenant, error) {
	var tenant core.Tenant
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE id = $1`

	if err := db.GetContext(ctx, &tenant, query, id); err != nil {
		return nil, notFound(err)
	}

	return &tenant, nil
}

// ListActiveTenants is what the automation sweep iterates.
func (db *DB) ListActiveTenants(ctx context.Context) ([]*core.Tenant, error) {
	tenants := []*core.Tenant{}
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE status = $1 ORDER BY id`

	err := db.SelectContext(ctx, &tenants, query, core.TenantActive)
	return tenants, err
}

func (db *DB) UpdateTenantStatus(ctx context.Context, id string, status core.TenantStatus) error {
	query := `UPDATE tenants SET status = $2, updated_at = $3 WHERE id = $1`

	res, err := db.ExecContext(ctx, query, id, status, time.Now().UTC())
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (db *DB) UpdateSubscription(ctx context.Context, id string, start, end *time.Time, payment core.PaymentStatus) error {
	query := `
        UPDATE tenants SET
            subscription_start = $2,
            subscription_end = $3,
            payment_status = $4,
            updated_at = $5
        WHERE id = $1`

	res, err := db.ExecContext(ctx, query, id, start, end, payment, time.Now().UTC())
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteTenant is only used to roll back a provisioning attempt that
// could not reach the new database.
func (db *DB) DeleteTenant(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	return err
}

func (db *DB) TenantExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM tenants WHERE id = $1)`, id)
	return exists, err
}
