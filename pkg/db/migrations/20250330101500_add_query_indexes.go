package migrations

import (
	"database/sql"

	"github.com/pkg/errors"

	"github.com/parleyhq/parley/pkg/db"
)

// Migration20250330101500AddQueryIndexes adds indexes for the hot read paths:
// thread history replay, file manifest assembly, expiry sweeps and the
// per-user ledger.
func Migration20250330101500AddQueryIndexes() db.Migration {
	return db.Migration{
		Version:     20250330101500,
		Description: "Add indexes for history, file and ledger queries",
		Up: func(tx *sql.Tx) error {
			indexes := []string{
				`CREATE INDEX IF NOT EXISTS idx_messages_thread_created
					ON messages(thread_id, created_at)`,
				`CREATE INDEX IF NOT EXISTS idx_user_files_thread_uploaded
					ON user_files(thread_id, uploaded_at)`,
				`CREATE INDEX IF NOT EXISTS idx_user_files_expires
					ON user_files(expires_at)`,
				`CREATE INDEX IF NOT EXISTS idx_balance_operations_user_created
					ON balance_operations(user_id, created_at)`,
			}

			for _, index := range indexes {
				if _, err := tx.Exec(index); err != nil {
					return errors.Wrap(err, "failed to create index")
				}
			}
			return nil
		},
		Down: func(tx *sql.Tx) error {
			indexes := []string{
				"idx_messages_thread_created",
				"idx_user_files_thread_uploaded",
				"idx_user_files_expires",
				"idx_balance_operations_user_created",
			}

			for _, index := range indexes {
				if _, err := tx.Exec("DROP INDEX IF EXISTS " + index); err != nil {
					return errors.Wrapf(err, "failed to drop index %s", index)
				}
			}
			return nil
		},
	}
}
