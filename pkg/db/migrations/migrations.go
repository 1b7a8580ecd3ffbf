// Package migrations contains all database migrations for the gateway store.
//
// Migrations use timestamp-based versioning (YYYYMMDDHHmmss). Each lives in
// its own file named <version>_<description>.go and must be registered in
// All() below.
//
// Tables carry no foreign key constraints: rows arrive through the
// write-behind queue in cache order, not relational order, so a child row
// can legitimately reach the database before its parent.
package migrations

import "github.com/parleyhq/parley/pkg/db"

// All returns all registered migrations in the order they were created
func All() []db.Migration {
	return []db.Migration{
		Migration20250301120000CreateCoreTables(),
		Migration20250305093000CreateBillingTables(),
		Migration20250312140000CreateUserFiles(),
		Migration20250330101500AddQueryIndexes(),
		Migration20250518173000AddThreadReset(),
	}
}
