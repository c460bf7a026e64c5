// Package sqlitedb opens the single SQLite database shared by the saga state
// store, the idempotency manager and the records backend.
package sqlitedb

import (
	"database/sql"
	"fmt"

	// Pure-Go driver, no CGO needed for Alpine images.
	_ "modernc.org/sqlite"
)

// Open opens (or creates) the database at path with WAL enabled.
//
// The pool is capped at one connection since SQLite has a single writer.
// Multi-statement operations must run inside a transaction.
func Open(path string) (*sql.DB, error) {
	// The pure-Go driver applies _pragma parameters on every new connection.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: connect %q: %w", path, err)
	}

	return db, nil
}
