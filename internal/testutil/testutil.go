// Package testutil provides shared test helpers: temporary stores and
// databases, a minimal PDF builder, and scanners for asserting on rendered
// PDF internals without a viewer.
package testutil

import (
	"os"
	"testing"

	"github.com/starford/odal/internal/blobstore"
	"github.com/starford/odal/internal/catalog"
	"github.com/starford/odal/internal/ledger"
)

// TestBlobStore creates a temporary content-addressed store that is cleaned
// up with the test.
func TestBlobStore(t *testing.T) *blobstore.FS {
	t.Helper()
	store, err := blobstore.NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return store
}

// TestCatalog creates a temporary catalog database.
func TestCatalog(t *testing.T) *catalog.DB {
	t.Helper()
	f, err := os.CreateTemp("", "odal-test-catalog-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	db, err := catalog.Open(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestLedger creates a temporary ledger database.
func TestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	f, err := os.CreateTemp("", "odal-test-ledger-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	l, err := ledger.Open(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}
