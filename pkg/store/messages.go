package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/parleyhq/parley/pkg/types/chat"
)

// SaveMessage upserts a message on its (chat_id, external_id) key. Edits
// overwrite content in place and carry edited_at; created_at is preserved.
func (s *Store) SaveMessage(ctx context.Context, m *chat.Message) error {
	return saveMessage(ctx, s.db, m)
}

// SaveMessageTx is SaveMessage inside a caller-owned transaction
func (s *Store) SaveMessageTx(ctx context.Context, tx *sqlx.Tx, m *chat.Message) error {
	return saveMessage(ctx, tx, m)
}

func saveMessage(ctx context.Context, e sqlx.ExtContext, m *chat.Message) error {
	query := `
		INSERT INTO messages (
			chat_id, external_id, thread_id, role, text, caption, reply_to,
			media_group_id, attachments, blocks, tokens, created_at, edited_at
		) VALUES (
			:chat_id, :external_id, :thread_id, :role, :text, :caption, :reply_to,
			:media_group_id, :attachments, :blocks, :tokens, :created_at, :edited_at
		)
		ON CONFLICT(chat_id, external_id) DO UPDATE SET
			text = excluded.text,
			caption = excluded.caption,
			attachments = excluded.attachments,
			blocks = excluded.blocks,
			tokens = excluded.tokens,
			edited_at = excluded.edited_at
	`
	_, err := sqlx.NamedExecContext(ctx, e, query, fromMessage(m))
	return errors.Wrap(err, "failed to save message")
}

// GetMessage loads a message by its composite key
func (s *Store) GetMessage(ctx context.Context, chatID, externalID int64) (*chat.Message, error) {
	var dbm dbMessage
	err := sqlx.GetContext(ctx, s.db, &dbm, `
		SELECT chat_id, external_id, thread_id, role, text, caption, reply_to,
			media_group_id, attachments, blocks, tokens, created_at, edited_at
		FROM messages WHERE chat_id = ? AND external_id = ?
	`, chatID, externalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(ErrNotFound, "message %d:%d", chatID, externalID)
		}
		return nil, errors.Wrap(err, "failed to load message")
	}
	return dbm.toMessage(), nil
}

// ThreadMessages loads the most recent limit messages of a thread created
// after the given floor, returned in chronological order. A zero floor means
// no floor; limit <= 0 means no limit.
func (s *Store) ThreadMessages(ctx context.Context, threadID int64, after time.Time, limit int) ([]*chat.Message, error) {
	query := `
		SELECT chat_id, external_id, thread_id, role, text, caption, reply_to,
			media_group_id, attachments, blocks, tokens, created_at, edited_at
		FROM messages
		WHERE thread_id = ? AND created_at > ?
		ORDER BY created_at DESC, rowid DESC
	`
	args := []any{threadID, after}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var rows []dbMessage
	if err := sqlx.SelectContext(ctx, s.db, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "failed to load thread messages")
	}

	// Newest-first from the database; flip back to chronological.
	messages := make([]*chat.Message, len(rows))
	for i := range rows {
		messages[len(rows)-1-i] = rows[i].toMessage()
	}
	return messages, nil
}
