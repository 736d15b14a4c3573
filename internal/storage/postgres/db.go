package postgres

import (
	"database/sql"
	"embed"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Migrations holds the master directory schema.
//
//go:embed migrations/*.sql
var Migrations embed.FS

var ErrNotFound = errors.New("not found")

// DB is the master directory: tenants, platform operators and the
// legacy single-tenant user table.
type DB struct {
	*sqlx.DB
}

func NewConnection(databaseURL string, maxOpen, maxIdle int) (*DB, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &DB{db}, nil
}

func New(db *sqlx.DB) *DB {
	return &DB{db}
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
