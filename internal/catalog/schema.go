// Package catalog provides the SQLite-backed note catalog: document metadata
// keyed by content fingerprint, and the browsable listing entries that
// reference those documents.
package catalog

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS documents (
	fingerprint TEXT PRIMARY KEY,
	size        INTEGER NOT NULL,
	pages       INTEGER NOT NULL DEFAULT 0,
	filename    TEXT NOT NULL DEFAULT '',
	uploader    TEXT NOT NULL DEFAULT '',
	uploaded_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS entries (
	id          TEXT PRIMARY KEY,
	course      TEXT NOT NULL,
	title       TEXT NOT NULL,
	uploader    TEXT NOT NULL,
	fingerprint TEXT NOT NULL REFERENCES documents(fingerprint),
	created_at  DATETIME NOT NULL,
	removed_at  DATETIME
);

CREATE INDEX IF NOT EXISTS idx_entries_course ON entries(course);
CREATE INDEX IF NOT EXISTS idx_entries_fingerprint ON entries(fingerprint);
CREATE INDEX IF NOT EXISTS idx_entries_uploader ON entries(uploader);
`

// DB wraps a sql.DB with catalog-specific operations.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("catalog: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("catalog: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("catalog: apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
