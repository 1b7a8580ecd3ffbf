package store

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/parleyhq/parley/pkg/types/chat"
)

// SaveChat upserts a chat
func (s *Store) SaveChat(ctx context.Context, c *chat.Chat) error {
	return saveChat(ctx, s.db, c)
}

// SaveChatTx is SaveChat inside a caller-owned transaction
func (s *Store) SaveChatTx(ctx context.Context, tx *sqlx.Tx, c *chat.Chat) error {
	return saveChat(ctx, tx, c)
}

func saveChat(ctx context.Context, e sqlx.ExtContext, c *chat.Chat) error {
	query := `
		INSERT INTO chats (id, kind, title, is_forum, created_at, updated_at)
		VALUES (:id, :kind, :title, :is_forum, :created_at, :updated_at)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			title = excluded.title,
			is_forum = excluded.is_forum,
			updated_at = excluded.updated_at
	`
	_, err := sqlx.NamedExecContext(ctx, e, query, c)
	return errors.Wrap(err, "failed to save chat")
}

// GetChat loads a chat by id
func (s *Store) GetChat(ctx context.Context, id int64) (*chat.Chat, error) {
	var c chat.Chat
	err := sqlx.GetContext(ctx, s.db, &c, `
		SELECT id, kind, title, is_forum, created_at, updated_at
		FROM chats WHERE id = ?
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(ErrNotFound, "chat %d", id)
		}
		return nil, errors.Wrap(err, "failed to load chat")
	}
	return &c, nil
}
