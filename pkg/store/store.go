// Package store is the durable-store gateway: typed repositories over the
// SQLite database for users, chats, threads, messages, files, the balance
// ledger and operator settings. The cache in front of it is a TTL-bounded
// replica; everything here is the system of record.
package store

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/parleyhq/parley/pkg/db"
	"github.com/parleyhq/parley/pkg/db/migrations"
)

// ErrNotFound is returned (wrapped) by getters when no row matches
var ErrNotFound = errors.New("not found")

// BalanceConflictError reports that the stored balance no longer matches the
// balance_before a caller computed. The caller re-reads and retries.
type BalanceConflictError struct {
	UserID int64
	Stored decimal.Decimal
}

func (e *BalanceConflictError) Error() string {
	return "balance conflict for user " + decimal.NewFromInt(e.UserID).String() + ": stored " + e.Stored.String()
}

// Store provides access to all durable repositories
type Store struct {
	db *sqlx.DB
}

// New wraps an already-configured database handle
func New(conn *sqlx.DB) *Store {
	return &Store{db: conn}
}

// Open opens the database at dbPath, applies pending migrations and returns
// the store
func Open(ctx context.Context, dbPath string) (*Store, error) {
	conn, err := db.Open(ctx, dbPath)
	if err != nil {
		return nil, err
	}

	if err := db.RunMigrations(ctx, conn, migrations.All()); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to run migrations")
	}

	return New(conn), nil
}

// DB exposes the underlying handle for the migration CLI
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a transaction, rolling back on error
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}
