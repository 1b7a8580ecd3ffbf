package migrations

import (
	"database/sql"

	"github.com/pkg/errors"

	"github.com/parleyhq/parley/pkg/db"
)

// Migration20250312140000CreateUserFiles creates the user_files table that
// records provider file uploads and their expiry.
func Migration20250312140000CreateUserFiles() db.Migration {
	return db.Migration{
		Version:     20250312140000,
		Description: "Create user_files table",
		Up: func(tx *sql.Tx) error {
			schema := `CREATE TABLE IF NOT EXISTS user_files (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				thread_id INTEGER NOT NULL,
				user_id INTEGER NOT NULL,
				source_ref TEXT NOT NULL DEFAULT '',
				provider_file_id TEXT NOT NULL,
				filename TEXT NOT NULL,
				kind TEXT NOT NULL,
				mime TEXT NOT NULL DEFAULT '',
				size INTEGER NOT NULL DEFAULT 0,
				origin TEXT NOT NULL,
				upload_context TEXT NOT NULL DEFAULT '',
				metadata TEXT NOT NULL DEFAULT '{}',
				uploaded_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL
			)`

			if _, err := tx.Exec(schema); err != nil {
				return errors.Wrap(err, "failed to create user_files table")
			}
			return nil
		},
		Down: func(tx *sql.Tx) error {
			if _, err := tx.Exec("DROP TABLE IF EXISTS user_files"); err != nil {
				return errors.Wrap(err, "failed to drop user_files table")
			}
			return nil
		},
	}
}
