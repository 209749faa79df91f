package blobstore

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/odal/internal/checksum"
)

// ViolationCallback is called for every violation the tamper watcher finds.
type ViolationCallback func(Violation)

// verifyDebounce coalesces bursts of write events on the same file into a
// single re-hash.
const verifyDebounce = 200 * time.Millisecond

// Watch starts an fsnotify watcher on the blob root and re-hashes any blob
// touched from outside the store until ctx is cancelled. Blobs are immutable
// after Put, so every out-of-band write, truncation, or removal is reported
// through cb. New shard directories created at runtime are added to the
// watch list automatically.
func (f *FS) Watch(ctx context.Context, logger *slog.Logger, cb ViolationCallback) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addDirsRecursive(w, f.root); err != nil {
		return err
	}

	logger.Info("tamper watch: started", slog.String("root", f.root))

	report := func(v Violation) {
		logger.Warn("tamper watch: violation",
			slog.String("path", v.Path),
			slog.String("reason", v.Reason))
		if cb != nil {
			cb(v)
		}
	}

	// Re-hashing is debounced per path so a burst of writes to one file
	// produces one check.
	var mu sync.Mutex
	timers := make(map[string]*time.Timer)
	stopTimers := func() {
		mu.Lock()
		defer mu.Unlock()
		for _, t := range timers {
			t.Stop()
		}
	}
	schedule := func(abs string, fn func()) {
		mu.Lock()
		defer mu.Unlock()
		if t, ok := timers[abs]; ok {
			t.Reset(verifyDebounce)
			return
		}
		timers[abs] = time.AfterFunc(verifyDebounce, func() {
			mu.Lock()
			delete(timers, abs)
			mu.Unlock()
			fn()
		})
	}

	for {
		select {
		case <-ctx.Done():
			stopTimers()
			logger.Info("tamper watch: stopped")
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			abs := ev.Name
			name := filepath.Base(abs)

			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(abs); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, abs); addErr != nil {
						logger.Warn("tamper watch: add new dir failed",
							slog.String("path", abs),
							slog.String("error", addErr.Error()))
					}
					continue
				}
			}

			if strings.HasPrefix(name, tmpPrefix) {
				continue
			}

			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				if checksum.Valid(name) {
					fp := name
					schedule(abs, func() {
						if v := f.verifyOne(fp, abs); v != nil {
							report(*v)
						}
					})
				} else if ev.Op&fsnotify.Create != 0 {
					rel, _ := filepath.Rel(f.root, abs)
					report(Violation{Path: rel, Reason: "foreign file"})
				}

			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				if checksum.Valid(name) {
					rel, _ := filepath.Rel(f.root, abs)
					report(Violation{Fingerprint: name, Path: rel, Reason: "removed"})
				}
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("tamper watch: error", slog.String("error", watchErr.Error()))
		}
	}
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
