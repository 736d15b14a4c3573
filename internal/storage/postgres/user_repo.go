package postgres

import (
	"context"
	"database/sql"

	"github.com/leozw/shopcore/internal/core"
)

func (db *DB) GetOperator(ctx context.Context, id string) (*core.Operator, error) {
	var op core.Operator
	query := `
        SELECT id, email, name, status, created_at
        FROM platform_operators
        WHERE id = $1
    `

	if err := db.GetContext(ctx, &op, query, id); err != nil {
		return nil, notFound(err)
	}

	return &op, nil
}

// GetLegacyUser reads the pre-tenancy user table, which is not scoped to
// any shop.
func (db *DB) GetLegacyUser(ctx context.Context, id string) (*core.User, error) {
	var user core.User
	query := `
        SELECT id, email, name, role, permissions, status, created_at
        FROM users
        WHERE id = $1
    `

	if err := db.GetContext(ctx, &user, query, id); err != nil {
		return nil, notFound(err)
	}

	return &user, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
