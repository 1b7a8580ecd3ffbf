package migrations

import (
	"database/sql"

	"github.com/pkg/errors"

	"github.com/parleyhq/parley/pkg/db"
)

// Migration20250301120000CreateCoreTables creates the users, chats, threads
// and messages tables that back the cache-first data plane.
func Migration20250301120000CreateCoreTables() db.Migration {
	return db.Migration{
		Version:     20250301120000,
		Description: "Create users, chats, threads and messages tables",
		Up: func(tx *sql.Tx) error {
			schemas := []string{
				`CREATE TABLE IF NOT EXISTS users (
					id INTEGER PRIMARY KEY,
					display_name TEXT NOT NULL DEFAULT '',
					preferred_model TEXT NOT NULL DEFAULT '',
					personality TEXT NOT NULL DEFAULT '',
					balance TEXT NOT NULL DEFAULT '0',
					is_premium INTEGER NOT NULL DEFAULT 0,
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS chats (
					id INTEGER PRIMARY KEY,
					kind TEXT NOT NULL,
					title TEXT NOT NULL DEFAULT '',
					is_forum INTEGER NOT NULL DEFAULT 0,
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS threads (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					chat_id INTEGER NOT NULL,
					user_id INTEGER NOT NULL,
					topic_id INTEGER NOT NULL DEFAULT 0,
					model_key TEXT NOT NULL DEFAULT '',
					system_prompt TEXT NOT NULL DEFAULT '',
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL,
					UNIQUE(chat_id, user_id, topic_id)
				)`,
				`CREATE TABLE IF NOT EXISTS messages (
					chat_id INTEGER NOT NULL,
					external_id INTEGER NOT NULL,
					thread_id INTEGER NOT NULL,
					role TEXT NOT NULL,
					text TEXT NOT NULL DEFAULT '',
					caption TEXT NOT NULL DEFAULT '',
					reply_to INTEGER NOT NULL DEFAULT 0,
					media_group_id TEXT NOT NULL DEFAULT '',
					attachments TEXT NOT NULL DEFAULT '[]',
					blocks TEXT NOT NULL DEFAULT '',
					tokens TEXT NOT NULL DEFAULT '{}',
					created_at DATETIME NOT NULL,
					edited_at DATETIME,
					PRIMARY KEY (chat_id, external_id)
				)`,
			}

			for _, schema := range schemas {
				if _, err := tx.Exec(schema); err != nil {
					return errors.Wrap(err, "failed to create core table")
				}
			}
			return nil
		},
		Down: func(tx *sql.Tx) error {
			tables := []string{"messages", "threads", "chats", "users"}
			for _, table := range tables {
				if _, err := tx.Exec("DROP TABLE IF EXISTS " + table); err != nil {
					return errors.Wrapf(err, "failed to drop table %s", table)
				}
			}
			return nil
		},
	}
}
