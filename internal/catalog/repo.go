package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/starford/odal/internal/apperr"
	"github.com/starford/odal/internal/models"
)

const entryCols = `id, course, title, uploader, fingerprint, created_at, removed_at`

// RegisterDocument records document metadata for a fingerprint. Re-registering
// an existing fingerprint is a no-op, so the first upload's filename and
// uploader stick (dedup by content).
func (db *DB) RegisterDocument(ctx context.Context, doc models.Document) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO documents (fingerprint, size, pages, filename, uploader, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, doc.Fingerprint, doc.Size, doc.Pages, doc.Filename, doc.Uploader, doc.UploadedAt)
	if err != nil {
		return fmt.Errorf("catalog: register document: %w", err)
	}
	return nil
}

// GetDocument returns the stored metadata for a fingerprint.
func (db *DB) GetDocument(ctx context.Context, fingerprint string) (*models.Document, error) {
	var d models.Document
	err := db.conn.QueryRowContext(ctx, `
		SELECT fingerprint, size, pages, filename, uploader, uploaded_at
		FROM documents WHERE fingerprint = ?
	`, fingerprint).Scan(&d.Fingerprint, &d.Size, &d.Pages, &d.Filename, &d.Uploader, &d.UploadedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("catalog: document %s: %w", fingerprint, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: get document: %w", err)
	}
	return &d, nil
}

// Register creates a listing entry pointing at a registered document and
// returns its id. The referenced document row must already exist.
func (db *DB) Register(ctx context.Context, course, title, uploader, fingerprint string, at time.Time) (string, error) {
	id := uuid.NewString()
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO entries (id, course, title, uploader, fingerprint, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, course, title, uploader, fingerprint, at)
	if err != nil {
		return "", fmt.Errorf("catalog: register entry: %w", err)
	}
	return id, nil
}

// Get returns an entry by exact id regardless of removal state. Audit
// surfaces need to describe entries that are no longer browsable.
func (db *DB) Get(ctx context.Context, id string) (*models.CatalogEntry, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT `+entryCols+` FROM entries WHERE id = ?
	`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("catalog: entry %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: get: %w", err)
	}
	return e, nil
}

// Resolve returns the active entry with the given id. Removed and unknown
// entries are both reported as not found.
func (db *DB) Resolve(ctx context.Context, id string) (*models.CatalogEntry, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT `+entryCols+` FROM entries WHERE id = ? AND removed_at IS NULL
	`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("catalog: entry %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: resolve: %w", err)
	}
	return e, nil
}

// ResolvePrefix resolves an id prefix against active entries. Exactly one
// match resolves; none is not found; more than one is ambiguous. Callers
// decide how short a prefix they are willing to pass.
func (db *DB) ResolvePrefix(ctx context.Context, prefix string) (*models.CatalogEntry, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+entryCols+` FROM entries
		WHERE id LIKE ? ESCAPE '\' AND removed_at IS NULL
		LIMIT 2
	`, likePrefix(prefix))
	if err != nil {
		return nil, fmt.Errorf("catalog: resolve prefix: %w", err)
	}
	defer rows.Close()

	var matches []*models.CatalogEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog: resolve prefix scan: %w", err)
		}
		matches = append(matches, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: resolve prefix: %w", err)
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("catalog: entry prefix %s: %w", prefix, apperr.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("catalog: entry prefix %s matches multiple entries: %w", prefix, apperr.ErrAmbiguous)
	}
}

// List returns the active entries for a course, newest first.
func (db *DB) List(ctx context.Context, course string) ([]models.CatalogEntry, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+entryCols+` FROM entries
		WHERE course = ? COLLATE NOCASE AND removed_at IS NULL
		ORDER BY created_at DESC, id ASC
	`, course)
	if err != nil {
		return nil, fmt.Errorf("catalog: list: %w", err)
	}
	return collectEntries(rows)
}

// Search returns active entries whose course code or title contains the
// query, case-insensitively, newest first.
func (db *DB) Search(ctx context.Context, query string) ([]models.CatalogEntry, error) {
	pattern := likeContains(query)
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+entryCols+` FROM entries
		WHERE removed_at IS NULL
		  AND (course LIKE ? ESCAPE '\' OR title LIKE ? ESCAPE '\')
		ORDER BY created_at DESC, id ASC
	`, pattern, pattern)
	if err != nil {
		return nil, fmt.Errorf("catalog: search: %w", err)
	}
	return collectEntries(rows)
}

// Remove soft-deletes an entry. The referenced document row and blob are
// retained; ledger history keeps pointing at a resolvable fingerprint.
func (db *DB) Remove(ctx context.Context, id string, at time.Time) error {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE entries SET removed_at = ? WHERE id = ? AND removed_at IS NULL
	`, at, id)
	if err != nil {
		return fmt.Errorf("catalog: remove: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("catalog: remove: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("catalog: entry %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

// CountActiveByUploader returns the number of active entries an uploader has.
func (db *DB) CountActiveByUploader(ctx context.Context, uploader string) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM entries WHERE uploader = ? AND removed_at IS NULL
	`, uploader).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("catalog: count by uploader: %w", err)
	}
	return n, nil
}

// ActiveFingerprints returns the set of fingerprints referenced by at least
// one active entry.
func (db *DB) ActiveFingerprints(ctx context.Context) (map[string]struct{}, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT DISTINCT fingerprint FROM entries WHERE removed_at IS NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("catalog: active fingerprints: %w", err)
	}
	defer rows.Close()
	out := make(map[string]struct{})
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, err
		}
		out[fp] = struct{}{}
	}
	return out, rows.Err()
}

// CourseCount is one row of the per-course entry tally.
type CourseCount struct {
	Course  string `json:"course"`
	Entries int    `json:"entries"`
}

// Stats summarizes catalog contents.
type Stats struct {
	Documents     int           `json:"documents"`
	BytesStored   int64         `json:"bytes_stored"`
	ActiveEntries int           `json:"active_entries"`
	TopCourses    []CourseCount `json:"top_courses"`
}

// Stats returns totals and the five most listed courses.
func (db *DB) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	err := db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(size), 0) FROM documents
	`).Scan(&s.Documents, &s.BytesStored)
	if err != nil {
		return nil, fmt.Errorf("catalog: stats documents: %w", err)
	}
	err = db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM entries WHERE removed_at IS NULL
	`).Scan(&s.ActiveEntries)
	if err != nil {
		return nil, fmt.Errorf("catalog: stats entries: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT course, COUNT(*) AS n FROM entries
		WHERE removed_at IS NULL
		GROUP BY course ORDER BY n DESC, course ASC LIMIT 5
	`)
	if err != nil {
		return nil, fmt.Errorf("catalog: stats courses: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c CourseCount
		if err := rows.Scan(&c.Course, &c.Entries); err != nil {
			return nil, err
		}
		s.TopCourses = append(s.TopCourses, c)
	}
	return &s, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(s scanner) (*models.CatalogEntry, error) {
	var e models.CatalogEntry
	var removed sql.NullTime
	if err := s.Scan(&e.ID, &e.Course, &e.Title, &e.Uploader, &e.Fingerprint, &e.CreatedAt, &removed); err != nil {
		return nil, err
	}
	if removed.Valid {
		t := removed.Time
		e.RemovedAt = &t
	}
	return &e, nil
}

func collectEntries(rows *sql.Rows) ([]models.CatalogEntry, error) {
	defer rows.Close()
	out := []models.CatalogEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog: scan entry: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: rows: %w", err)
	}
	return out, nil
}

// likeContains builds a substring LIKE pattern with metacharacters escaped.
func likeContains(q string) string {
	return "%" + escapeLike(q) + "%"
}

// likePrefix builds a prefix LIKE pattern with metacharacters escaped.
func likePrefix(q string) string {
	return escapeLike(q) + "%"
}

func escapeLike(q string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(q)
}
