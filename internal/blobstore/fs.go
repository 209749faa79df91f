package blobstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/starford/odal/internal/apperr"
	"github.com/starford/odal/internal/checksum"
)

// tmpPrefix marks in-flight writes so scans and the tamper watcher skip them.
const tmpPrefix = ".odal-tmp-"

// FS implements Store backed by the local file system. Blobs live in
// two-character shard directories: <root>/<fp[:2]>/<fp>.
type FS struct {
	root   string // absolute path to the blob root
	flight singleflight.Group
}

// NewFS creates a content-addressed store rooted at the given directory.
// The directory must already exist.
func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("blobstore: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("blobstore: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("blobstore: root is not a directory: %s", abs)
	}
	return &FS{root: abs}, nil
}

// Root returns the absolute path of the blob root.
func (f *FS) Root() string { return f.root }

// blobPath maps a fingerprint to its on-disk location. Keys that are not
// well-formed fingerprints are rejected outright, so no caller-supplied
// string can ever address a path outside the root.
func (f *FS) blobPath(fingerprint string) (string, error) {
	if !checksum.Valid(fingerprint) {
		return "", fmt.Errorf("blobstore: invalid fingerprint %q: %w", fingerprint, apperr.ErrNotFound)
	}
	return filepath.Join(f.root, fingerprint[:2], fingerprint), nil
}

// Put persists data under its fingerprint. Concurrent puts of identical
// bytes collapse onto a single physical write; later callers observe the
// existing blob.
func (f *FS) Put(data []byte) (string, error) {
	fp := checksum.Sum(data)
	_, err, _ := f.flight.Do(fp, func() (interface{}, error) {
		return nil, f.writeIfAbsent(fp, data)
	})
	if err != nil {
		return "", err
	}
	return fp, nil
}

func (f *FS) writeIfAbsent(fingerprint string, data []byte) error {
	abs, err := f.blobPath(fingerprint)
	if err != nil {
		return err
	}

	if _, statErr := os.Stat(abs); statErr == nil {
		return nil // already stored; content equality is guaranteed by the key
	} else if !errors.Is(statErr, fs.ErrNotExist) {
		return fmt.Errorf("blobstore: stat %s: %w", checksum.Short(fingerprint), statErr)
	}

	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("blobstore: mkdir shard: %w", err)
	}

	tmp, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return fmt.Errorf("blobstore: create temp: %w", err)
	}
	tmpName := tmp.Name()

	// Clean up on any failure path.
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("blobstore: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("blobstore: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("blobstore: close temp: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return fmt.Errorf("blobstore: rename: %w", err)
	}
	success = true
	return nil
}

// Get returns the stored bytes after re-hashing them against the key.
func (f *FS) Get(fingerprint string) ([]byte, error) {
	abs, err := f.blobPath(fingerprint)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("blobstore: blob %s: %w", checksum.Short(fingerprint), apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("blobstore: read %s: %w", checksum.Short(fingerprint), err)
	}
	if got := checksum.Sum(data); got != fingerprint {
		return nil, fmt.Errorf("blobstore: blob %s re-hashed to %s: %w",
			checksum.Short(fingerprint), checksum.Short(got), apperr.ErrIntegrity)
	}
	return data, nil
}

// Exists reports whether a blob is stored under fingerprint.
func (f *FS) Exists(fingerprint string) (bool, error) {
	abs, err := f.blobPath(fingerprint)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(abs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("blobstore: stat %s: %w", checksum.Short(fingerprint), err)
	}
	return true, nil
}

// Fingerprints returns the keys of every stored blob, sorted.
func (f *FS) Fingerprints() ([]string, error) {
	var out []string
	err := f.walkBlobs(func(fingerprint, _ string) error {
		out = append(out, fingerprint)
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// VerifyAll re-hashes every blob under the root and reports mismatches,
// unreadable files, and files that do not look like blobs at all.
func (f *FS) VerifyAll() ([]Violation, error) {
	var out []Violation
	err := f.walkBlobs(func(fingerprint, abs string) error {
		data, readErr := os.ReadFile(abs)
		rel, _ := filepath.Rel(f.root, abs)
		if readErr != nil {
			out = append(out, Violation{Fingerprint: fingerprint, Path: rel, Reason: "unreadable"})
			return nil
		}
		if checksum.Sum(data) != fingerprint {
			out = append(out, Violation{Fingerprint: fingerprint, Path: rel, Reason: "hash mismatch"})
		}
		return nil
	}, func(abs string) {
		rel, _ := filepath.Rel(f.root, abs)
		out = append(out, Violation{Path: rel, Reason: "foreign file"})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// verifyOne re-hashes a single blob file. Used by the tamper watcher.
func (f *FS) verifyOne(fingerprint, abs string) *Violation {
	rel, _ := filepath.Rel(f.root, abs)
	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Violation{Fingerprint: fingerprint, Path: rel, Reason: "removed"}
		}
		return &Violation{Fingerprint: fingerprint, Path: rel, Reason: "unreadable"}
	}
	if checksum.Sum(data) != fingerprint {
		return &Violation{Fingerprint: fingerprint, Path: rel, Reason: "hash mismatch"}
	}
	return nil
}

// walkBlobs visits every regular file under the root, calling blobFn for
// files named like fingerprints and foreignFn (if non-nil) for the rest.
// In-flight temp files are skipped.
func (f *FS) walkBlobs(blobFn func(fingerprint, abs string) error, foreignFn func(abs string)) error {
	err := filepath.WalkDir(f.root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, tmpPrefix) {
			return nil
		}
		if checksum.Valid(name) && filepath.Dir(p) == filepath.Join(f.root, name[:2]) {
			return blobFn(name, p)
		}
		if foreignFn != nil {
			foreignFn(p)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("blobstore: walk: %w", err)
	}
	return nil
}
