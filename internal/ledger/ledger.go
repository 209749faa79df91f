// Package ledger provides the append-only download ledger. Every delivered
// rendered copy gets exactly one row here; rows are immutable and survive
// catalog removals, so a leaked copy stays traceable indefinitely.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/odal/internal/apperr"
	"github.com/starford/odal/internal/models"
)

// The triggers make append-only a database property rather than a code
// convention: UPDATE and DELETE abort even if reached through a bug.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS ledger (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	recipient          TEXT NOT NULL,
	entry_id           TEXT NOT NULL,
	doc_fingerprint    TEXT NOT NULL,
	retrieved_at       DATETIME NOT NULL,
	render_fingerprint TEXT NOT NULL,
	render_token       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_entry ON ledger(entry_id);
CREATE INDEX IF NOT EXISTS idx_ledger_render_fp ON ledger(render_fingerprint);
CREATE INDEX IF NOT EXISTS idx_ledger_render_token ON ledger(render_token);
CREATE INDEX IF NOT EXISTS idx_ledger_recipient ON ledger(recipient);

CREATE TRIGGER IF NOT EXISTS ledger_no_update BEFORE UPDATE ON ledger
BEGIN
	SELECT RAISE(ABORT, 'ledger is append-only');
END;

CREATE TRIGGER IF NOT EXISTS ledger_no_delete BEFORE DELETE ON ledger
BEGIN
	SELECT RAISE(ABORT, 'ledger is append-only');
END;
`

// Ledger wraps a sql.DB with append-only audit operations.
type Ledger struct {
	conn *sql.DB
}

// Open opens (or creates) the ledger database and applies the schema.
// synchronous=FULL because a row must be on disk before the retrieval that
// produced it is allowed to succeed.
func Open(dsn string) (*Ledger, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL")
	if err != nil {
		return nil, fmt.Errorf("ledger: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ledger: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ledger: apply schema: %w", err)
	}
	return &Ledger{conn: conn}, nil
}

// Close closes the underlying database connection.
func (l *Ledger) Close() error {
	return l.conn.Close()
}

const ledgerCols = `id, recipient, entry_id, doc_fingerprint, retrieved_at, render_fingerprint, render_token`

// Append records one retrieval and returns the new ledger id. The write is
// durable when Append returns.
func (l *Ledger) Append(ctx context.Context, e models.LedgerEntry) (int64, error) {
	res, err := l.conn.ExecContext(ctx, `
		INSERT INTO ledger (recipient, entry_id, doc_fingerprint, retrieved_at, render_fingerprint, render_token)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.Recipient, e.EntryID, e.DocFingerprint, e.RetrievedAt, e.RenderFingerprint, e.RenderToken)
	if err != nil {
		return 0, fmt.Errorf("ledger: append: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("ledger: append id: %w", err)
	}
	return id, nil
}

// History returns every retrieval of an entry, oldest first. Same-instant
// rows come back in ledger id order so the sequence is stable.
func (l *Ledger) History(ctx context.Context, entryID string) ([]models.LedgerEntry, error) {
	rows, err := l.conn.QueryContext(ctx, `
		SELECT `+ledgerCols+` FROM ledger
		WHERE entry_id = ?
		ORDER BY retrieved_at ASC, id ASC
	`, entryID)
	if err != nil {
		return nil, fmt.Errorf("ledger: history: %w", err)
	}
	return collect(rows)
}

// FindByRenderFingerprint is the traceability lookup: key may be the SHA-256
// of a leaked file's bytes or the copy token embedded in its metadata mark
// (a re-saved file changes its byte fingerprint but keeps the token).
func (l *Ledger) FindByRenderFingerprint(ctx context.Context, key string) (*models.LedgerEntry, error) {
	row := l.conn.QueryRowContext(ctx, `
		SELECT `+ledgerCols+` FROM ledger
		WHERE render_fingerprint = ? OR render_token = ?
		ORDER BY id ASC LIMIT 1
	`, key, key)
	e, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ledger: render %s: %w", key, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: find render: %w", err)
	}
	return e, nil
}

// CountByRecipient returns the total number of retrievals recorded for a
// recipient.
func (l *Ledger) CountByRecipient(ctx context.Context, recipient string) (int64, error) {
	var n int64
	err := l.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ledger WHERE recipient = ?
	`, recipient).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("ledger: count by recipient: %w", err)
	}
	return n, nil
}

// RecipientCount is one row of the per-recipient retrieval tally.
type RecipientCount struct {
	Recipient string `json:"recipient"`
	Renders   int    `json:"renders"`
}

// Stats summarizes ledger contents.
type Stats struct {
	Renders       int64            `json:"renders"`
	TopRecipients []RecipientCount `json:"top_recipients"`
}

// Stats returns the total render count and the five most active recipients.
func (l *Ledger) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	if err := l.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger`).Scan(&s.Renders); err != nil {
		return nil, fmt.Errorf("ledger: stats count: %w", err)
	}
	rows, err := l.conn.QueryContext(ctx, `
		SELECT recipient, COUNT(*) AS n FROM ledger
		GROUP BY recipient ORDER BY n DESC, recipient ASC LIMIT 5
	`)
	if err != nil {
		return nil, fmt.Errorf("ledger: stats recipients: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c RecipientCount
		if err := rows.Scan(&c.Recipient, &c.Renders); err != nil {
			return nil, err
		}
		s.TopRecipients = append(s.TopRecipients, c)
	}
	return &s, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scan(s scanner) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	if err := s.Scan(&e.ID, &e.Recipient, &e.EntryID, &e.DocFingerprint, &e.RetrievedAt, &e.RenderFingerprint, &e.RenderToken); err != nil {
		return nil, err
	}
	return &e, nil
}

func collect(rows *sql.Rows) ([]models.LedgerEntry, error) {
	defer rows.Close()
	out := []models.LedgerEntry{}
	for rows.Next() {
		e, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: rows: %w", err)
	}
	return out, nil
}
