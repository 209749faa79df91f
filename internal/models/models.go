// Package models defines the domain types for Odal.
package models

import "time"

// Document is an immutable original upload, identified by the SHA-256
// fingerprint of its raw bytes. Bytes live in the blob store; this struct
// carries the metadata recorded at first upload.
type Document struct {
	Fingerprint string    `json:"fingerprint"`
	Size        int64     `json:"size"`
	Pages       int       `json:"pages"`
	Filename    string    `json:"filename"`
	Uploader    string    `json:"uploader"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

// CatalogEntry is one browsable listing pointing at a stored document.
// Several entries may reference the same document fingerprint.
type CatalogEntry struct {
	ID          string     `json:"id"`
	Course      string     `json:"course"`
	Title       string     `json:"title"`
	Uploader    string     `json:"uploader"`
	Fingerprint string     `json:"fingerprint"`
	CreatedAt   time.Time  `json:"created_at"`
	RemovedAt   *time.Time `json:"removed_at,omitempty"`
}

// Removed reports whether the entry has been soft-deleted.
func (e CatalogEntry) Removed() bool { return e.RemovedAt != nil }

// LedgerEntry is one immutable audit record of a delivered rendered copy.
type LedgerEntry struct {
	ID                int64     `json:"id"`
	Recipient         string    `json:"recipient"`
	EntryID           string    `json:"entry_id"`
	DocFingerprint    string    `json:"doc_fingerprint"`
	RetrievedAt       time.Time `json:"retrieved_at"`
	RenderFingerprint string    `json:"render_fingerprint"`
	RenderToken       string    `json:"render_token"`
}
