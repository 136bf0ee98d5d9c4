package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// dsnParams tunes sqlite for this daemon: the sender's commit writes
// and the ingestion engine's upserts hit one file concurrently, so WAL
// keeps readers off the writers' backs and the busy timeout absorbs
// checkpoint and migration bursts instead of surfacing SQLITE_BUSY.
const dsnParams = "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

// DB wraps the SQLite connection backing the profile's mtx.db.
type DB struct {
	*sql.DB
}

// Open opens (creating if needed) the profile database at path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+dsnParams)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}
