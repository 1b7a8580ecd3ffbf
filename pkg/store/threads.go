package store

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/parleyhq/parley/pkg/types/chat"
)

// EnsureThread upserts the thread for t's (chat_id, user_id, topic_id) triple
// and fills in t.ID. Concurrent callers converge on the same row; the UNIQUE
// constraint is what makes thread creation race-free.
func (s *Store) EnsureThread(ctx context.Context, t *chat.Thread) error {
	query := `
		INSERT INTO threads (
			chat_id, user_id, topic_id, model_key, system_prompt, reset_at,
			created_at, updated_at
		) VALUES (
			:chat_id, :user_id, :topic_id, :model_key, :system_prompt, :reset_at,
			:created_at, :updated_at
		)
		ON CONFLICT(chat_id, user_id, topic_id) DO UPDATE SET
			updated_at = excluded.updated_at
	`
	if _, err := sqlx.NamedExecContext(ctx, s.db, query, fromThread(t)); err != nil {
		return errors.Wrap(err, "failed to ensure thread")
	}

	stored, err := s.GetThreadByKey(ctx, t.Key())
	if err != nil {
		return err
	}
	*t = *stored
	return nil
}

// SaveThread updates a thread's mutable fields by id
func (s *Store) SaveThread(ctx context.Context, t *chat.Thread) error {
	return saveThread(ctx, s.db, t)
}

// SaveThreadTx is SaveThread inside a caller-owned transaction
func (s *Store) SaveThreadTx(ctx context.Context, tx *sqlx.Tx, t *chat.Thread) error {
	return saveThread(ctx, tx, t)
}

func saveThread(ctx context.Context, e sqlx.ExtContext, t *chat.Thread) error {
	query := `
		UPDATE threads
		SET model_key = :model_key,
			system_prompt = :system_prompt,
			reset_at = :reset_at,
			updated_at = :updated_at
		WHERE id = :id
	`
	_, err := sqlx.NamedExecContext(ctx, e, query, fromThread(t))
	return errors.Wrap(err, "failed to save thread")
}

// GetThread loads a thread by id
func (s *Store) GetThread(ctx context.Context, id int64) (*chat.Thread, error) {
	var dbt dbThread
	err := sqlx.GetContext(ctx, s.db, &dbt, `
		SELECT id, chat_id, user_id, topic_id, model_key, system_prompt, reset_at,
			created_at, updated_at
		FROM threads WHERE id = ?
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(ErrNotFound, "thread %d", id)
		}
		return nil, errors.Wrap(err, "failed to load thread")
	}
	return dbt.toThread(), nil
}

// GetThreadByKey loads a thread by its (chat_id, user_id, topic_id) triple
func (s *Store) GetThreadByKey(ctx context.Context, key chat.ThreadKey) (*chat.Thread, error) {
	var dbt dbThread
	err := sqlx.GetContext(ctx, s.db, &dbt, `
		SELECT id, chat_id, user_id, topic_id, model_key, system_prompt, reset_at,
			created_at, updated_at
		FROM threads WHERE chat_id = ? AND user_id = ? AND topic_id = ?
	`, key.ChatID, key.UserID, key.TopicID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(ErrNotFound, "thread %d:%d:%d", key.ChatID, key.UserID, key.TopicID)
		}
		return nil, errors.Wrap(err, "failed to load thread")
	}
	return dbt.toThread(), nil
}
