package store

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/parleyhq/parley/pkg/types/chat"
)

// SaveUser upserts a user's profile fields. The balance column is written on
// first insert only; afterwards it belongs exclusively to ApplyBalanceOp,
// because queued profile snapshots can be older than a synchronous charge.
func (s *Store) SaveUser(ctx context.Context, u *chat.User) error {
	return saveUser(ctx, s.db, u)
}

// SaveUserTx is SaveUser inside a caller-owned transaction
func (s *Store) SaveUserTx(ctx context.Context, tx *sqlx.Tx, u *chat.User) error {
	return saveUser(ctx, tx, u)
}

func saveUser(ctx context.Context, e sqlx.ExtContext, u *chat.User) error {
	query := `
		INSERT INTO users (
			id, display_name, preferred_model, personality, balance, is_premium,
			created_at, updated_at
		) VALUES (
			:id, :display_name, :preferred_model, :personality, :balance, :is_premium,
			:created_at, :updated_at
		)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			preferred_model = excluded.preferred_model,
			personality = excluded.personality,
			is_premium = excluded.is_premium,
			updated_at = excluded.updated_at
	`
	_, err := sqlx.NamedExecContext(ctx, e, query, u)
	return errors.Wrap(err, "failed to save user")
}

// GetUser loads a user by id
func (s *Store) GetUser(ctx context.Context, id int64) (*chat.User, error) {
	var u chat.User
	err := sqlx.GetContext(ctx, s.db, &u, `
		SELECT id, display_name, preferred_model, personality, balance, is_premium,
			created_at, updated_at
		FROM users WHERE id = ?
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(ErrNotFound, "user %d", id)
		}
		return nil, errors.Wrap(err, "failed to load user")
	}
	return &u, nil
}
