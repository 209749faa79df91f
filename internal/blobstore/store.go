// Package blobstore implements content-addressed, deduplicated storage of
// original document bytes. Blobs are keyed by the SHA-256 fingerprint of
// their content and are never modified after the initial write.
package blobstore

// Store is the interface for content-addressed blob operations.
type Store interface {
	// Put persists data under its content fingerprint if not already present
	// and returns the fingerprint. Re-putting identical bytes is a no-op.
	Put(data []byte) (string, error)
	// Get returns the bytes stored under fingerprint. Content is re-hashed on
	// the way out; corrupted blobs are never served.
	Get(fingerprint string) ([]byte, error)
	// Exists reports whether a blob is present under fingerprint.
	Exists(fingerprint string) (bool, error)
	// Fingerprints returns the keys of every stored blob.
	Fingerprints() ([]string, error)
	// VerifyAll re-hashes every stored blob and reports everything under the
	// root that is corrupt, unreadable, or not a blob at all.
	VerifyAll() ([]Violation, error)
}

// Violation describes a file under the store root whose content or name does
// not belong there: a tampered blob, an unreadable one, or a foreign file.
type Violation struct {
	Fingerprint string `json:"fingerprint,omitempty"` // blob key, empty for foreign files
	Path        string `json:"path"`                  // relative to the store root
	Reason      string `json:"reason"`
}
