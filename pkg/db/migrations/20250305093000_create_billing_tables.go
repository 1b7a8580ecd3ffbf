package migrations

import (
	"database/sql"

	"github.com/pkg/errors"

	"github.com/parleyhq/parley/pkg/db"
)

// Migration20250305093000CreateBillingTables creates the balance_operations
// ledger and the settings key/value table used for per-model price margins.
func Migration20250305093000CreateBillingTables() db.Migration {
	return db.Migration{
		Version:     20250305093000,
		Description: "Create balance_operations and settings tables",
		Up: func(tx *sql.Tx) error {
			schemas := []string{
				`CREATE TABLE IF NOT EXISTS balance_operations (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					user_id INTEGER NOT NULL,
					kind TEXT NOT NULL,
					amount TEXT NOT NULL,
					balance_before TEXT NOT NULL,
					balance_after TEXT NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					provider_charge_id TEXT NOT NULL DEFAULT '',
					chat_id INTEGER NOT NULL DEFAULT 0,
					message_id INTEGER NOT NULL DEFAULT 0,
					tokens TEXT,
					created_at DATETIME NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS settings (
					key TEXT PRIMARY KEY,
					value TEXT NOT NULL,
					updated_at DATETIME NOT NULL
				)`,
			}

			for _, schema := range schemas {
				if _, err := tx.Exec(schema); err != nil {
					return errors.Wrap(err, "failed to create billing table")
				}
			}
			return nil
		},
		Down: func(tx *sql.Tx) error {
			tables := []string{"settings", "balance_operations"}
			for _, table := range tables {
				if _, err := tx.Exec("DROP TABLE IF EXISTS " + table); err != nil {
					return errors.Wrapf(err, "failed to drop table %s", table)
				}
			}
			return nil
		},
	}
}
