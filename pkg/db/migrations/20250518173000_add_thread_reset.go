package migrations

import (
	"database/sql"

	"github.com/pkg/errors"

	"github.com/parleyhq/parley/pkg/db"
)

// Migration20250518173000AddThreadReset adds the reset_at column to threads.
// Messages created before reset_at are excluded from context assembly without
// being deleted.
func Migration20250518173000AddThreadReset() db.Migration {
	return db.Migration{
		Version:     20250518173000,
		Description: "Add reset_at column to threads",
		Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec("ALTER TABLE threads ADD COLUMN reset_at DATETIME"); err != nil {
				return errors.Wrap(err, "failed to add reset_at column")
			}
			return nil
		},
		Down: func(tx *sql.Tx) error {
			if _, err := tx.Exec("ALTER TABLE threads DROP COLUMN reset_at"); err != nil {
				return errors.Wrap(err, "failed to drop reset_at column")
			}
			return nil
		},
	}
}
