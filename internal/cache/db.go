// Package cache persists the last-known canonical snapshot so a restarted
// daemon can paint a usable state before any network round-trip completes.
// The cache is always a copy; the reconciliation engine is the source of
// truth while a session is active.
package cache

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection for the session's cache.db.
type DB struct {
	*sql.DB
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping cache db: %w", err)
	}
	return &DB{db}, nil
}
