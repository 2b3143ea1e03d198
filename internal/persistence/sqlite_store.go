package persistence

import "database/sql"

// NewSQLiteStore initializes the required schema in the given database and
// returns a store backed by it.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// SQLite allows a single writer at a time; callers sharing one file between
// goroutines should call db.SetMaxOpenConns(1).
func NewSQLiteStore(db *sql.DB) (*SQLStore, error) {
	return newSQLStore(db, SQLiteDialect)
}
