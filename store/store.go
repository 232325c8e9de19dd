package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // sqlite driver
)

// Open a SQLite database for the backend. All component stores share one
// handle; each creates its own tables on construction. WAL mode so the
// ledger can take concurrent writes while tally readers stream.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// sqlite wants a single writer; the components rely on row-level
	// insert atomicity and optimistic version checks, not long locks.
	db.SetMaxOpenConns(1)
	return db, nil
}

// OpenMemory opens a throwaway in-memory database, used by tests.
func OpenMemory() (*sql.DB, error) {
	return Open(":memory:")
}

// Exec runs a batch of DDL statements, failing on the first error.
// Component stores use it to ensure their tables exist.
func Exec(db *sql.DB, stmts ...string) error {
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("store: ddl failed: %w", err)
		}
	}
	return nil
}
