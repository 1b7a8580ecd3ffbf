package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/parleyhq/parley/pkg/types/chat"
)

// SaveUserFile inserts a file record. The id is assigned by the database;
// when the insert goes through the write-behind queue the cached copy keeps
// id 0 and callers reference files by provider_file_id instead.
func (s *Store) SaveUserFile(ctx context.Context, f *chat.UserFile) error {
	return saveUserFile(ctx, s.db, f)
}

// SaveUserFileTx is SaveUserFile inside a caller-owned transaction
func (s *Store) SaveUserFileTx(ctx context.Context, tx *sqlx.Tx, f *chat.UserFile) error {
	return saveUserFile(ctx, tx, f)
}

func saveUserFile(ctx context.Context, e sqlx.ExtContext, f *chat.UserFile) error {
	query := `
		INSERT INTO user_files (
			thread_id, user_id, source_ref, provider_file_id, filename, kind,
			mime, size, origin, upload_context, metadata, uploaded_at, expires_at
		) VALUES (
			:thread_id, :user_id, :source_ref, :provider_file_id, :filename, :kind,
			:mime, :size, :origin, :upload_context, :metadata, :uploaded_at, :expires_at
		)
	`
	res, err := sqlx.NamedExecContext(ctx, e, query, fromUserFile(f))
	if err != nil {
		return errors.Wrap(err, "failed to save user file")
	}
	if id, err := res.LastInsertId(); err == nil {
		f.ID = id
	}
	return nil
}

// GetUserFile loads a file record by id
func (s *Store) GetUserFile(ctx context.Context, id int64) (*chat.UserFile, error) {
	var dbf dbUserFile
	err := sqlx.GetContext(ctx, s.db, &dbf, `
		SELECT id, thread_id, user_id, source_ref, provider_file_id, filename,
			kind, mime, size, origin, upload_context, metadata, uploaded_at, expires_at
		FROM user_files WHERE id = ?
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(ErrNotFound, "user file %d", id)
		}
		return nil, errors.Wrap(err, "failed to load user file")
	}
	return dbf.toUserFile(), nil
}

// ThreadFiles loads a thread's unexpired files in upload order
func (s *Store) ThreadFiles(ctx context.Context, threadID int64, now time.Time) ([]*chat.UserFile, error) {
	var rows []dbUserFile
	err := sqlx.SelectContext(ctx, s.db, &rows, `
		SELECT id, thread_id, user_id, source_ref, provider_file_id, filename,
			kind, mime, size, origin, upload_context, metadata, uploaded_at, expires_at
		FROM user_files
		WHERE thread_id = ? AND expires_at > ?
		ORDER BY uploaded_at ASC, id ASC
	`, threadID, now)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load thread files")
	}

	files := make([]*chat.UserFile, len(rows))
	for i := range rows {
		files[i] = rows[i].toUserFile()
	}
	return files, nil
}

// ExpiredFiles loads up to limit files whose provider copy is past its TTL
func (s *Store) ExpiredFiles(ctx context.Context, now time.Time, limit int) ([]*chat.UserFile, error) {
	var rows []dbUserFile
	err := sqlx.SelectContext(ctx, s.db, &rows, `
		SELECT id, thread_id, user_id, source_ref, provider_file_id, filename,
			kind, mime, size, origin, upload_context, metadata, uploaded_at, expires_at
		FROM user_files
		WHERE expires_at <= ?
		ORDER BY expires_at ASC
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load expired files")
	}

	files := make([]*chat.UserFile, len(rows))
	for i := range rows {
		files[i] = rows[i].toUserFile()
	}
	return files, nil
}

// DeleteUserFile removes a file record by id
func (s *Store) DeleteUserFile(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM user_files WHERE id = ?", id)
	return errors.Wrap(err, "failed to delete user file")
}
