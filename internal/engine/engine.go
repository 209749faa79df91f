// Package engine orchestrates the note store: uploads run validate, store,
// register; retrievals run resolve, fetch, render, log, deliver. Every
// invariant that spans more than one store is enforced here, so the blob
// store, catalog, renderer, and ledger stay independent of each other.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/starford/odal/internal/apperr"
	"github.com/starford/odal/internal/catalog"
	"github.com/starford/odal/internal/checksum"
	"github.com/starford/odal/internal/ledger"
	"github.com/starford/odal/internal/models"
	"github.com/starford/odal/internal/pdfdoc"
	"github.com/starford/odal/internal/watermark"
)

// Default operational limits, overridable per Option.
const (
	DefaultMaxUploadBytes = int64(10 << 20)
	DefaultUploaderQuota  = 100
)

// minRefChars is the shortest entry id prefix retrieval surfaces accept.
const minRefChars = 8

// BlobStore is the engine's view of the content-addressed document store.
// *blobstore.FS implements it.
type BlobStore interface {
	Put(data []byte) (string, error)
	Get(fingerprint string) ([]byte, error)
	Exists(fingerprint string) (bool, error)
	Fingerprints() ([]string, error)
}

// Catalog is the engine's view of the browse/search index. *catalog.DB
// implements it.
type Catalog interface {
	RegisterDocument(ctx context.Context, doc models.Document) error
	GetDocument(ctx context.Context, fingerprint string) (*models.Document, error)
	Register(ctx context.Context, course, title, uploader, fingerprint string, at time.Time) (string, error)
	Get(ctx context.Context, id string) (*models.CatalogEntry, error)
	Resolve(ctx context.Context, id string) (*models.CatalogEntry, error)
	ResolvePrefix(ctx context.Context, prefix string) (*models.CatalogEntry, error)
	List(ctx context.Context, course string) ([]models.CatalogEntry, error)
	Search(ctx context.Context, query string) ([]models.CatalogEntry, error)
	Remove(ctx context.Context, id string, at time.Time) error
	CountActiveByUploader(ctx context.Context, uploader string) (int, error)
	ActiveFingerprints(ctx context.Context) (map[string]struct{}, error)
	Stats(ctx context.Context) (*catalog.Stats, error)
}

// Ledger is the engine's view of the append-only download ledger.
// *ledger.Ledger implements it.
type Ledger interface {
	Append(ctx context.Context, e models.LedgerEntry) (int64, error)
	History(ctx context.Context, entryID string) ([]models.LedgerEntry, error)
	FindByRenderFingerprint(ctx context.Context, key string) (*models.LedgerEntry, error)
	CountByRecipient(ctx context.Context, recipient string) (int64, error)
	Stats(ctx context.Context) (*ledger.Stats, error)
}

// Renderer produces marked copies. *watermark.Renderer implements it.
type Renderer interface {
	Render(doc []byte, recipient string, ts time.Time) (*watermark.Result, error)
}

// Event types published to the event sink.
const (
	EventRegistered = "note.registered"
	EventRemoved    = "note.removed"
)

// Event describes a catalog change.
type Event struct {
	Type  string              `json:"type"`
	Entry models.CatalogEntry `json:"entry"`
}

// Engine coordinates the four stores. All methods are safe for concurrent
// use; the engine holds no mutable state of its own, so serialization happens
// where it belongs: per fingerprint in the blob store, per row in SQLite.
type Engine struct {
	blobs    BlobStore
	catalog  Catalog
	ledger   Ledger
	renderer Renderer

	logger         *slog.Logger
	now            func() time.Time
	publish        func(Event)
	maxUploadBytes int64
	maxPerUploader int
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the engine's wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithEventSink registers a callback that receives catalog change events.
func WithEventSink(fn func(Event)) Option {
	return func(e *Engine) { e.publish = fn }
}

// WithUploadLimit caps the accepted upload size in bytes. Zero disables the cap.
func WithUploadLimit(n int64) Option {
	return func(e *Engine) { e.maxUploadBytes = n }
}

// WithUploaderQuota caps active entries per uploader. Zero disables the quota.
func WithUploaderQuota(n int) Option {
	return func(e *Engine) { e.maxPerUploader = n }
}

// New creates an Engine over the given stores.
func New(blobs BlobStore, cat Catalog, led Ledger, r Renderer, opts ...Option) *Engine {
	e := &Engine{
		blobs:          blobs,
		catalog:        cat,
		ledger:         led,
		renderer:       r,
		logger:         slog.Default(),
		now:            time.Now,
		maxUploadBytes: DefaultMaxUploadBytes,
		maxPerUploader: DefaultUploaderQuota,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// UploadRequest carries one upload.
type UploadRequest struct {
	Course   string
	Title    string
	Uploader string
	Filename string
	Data     []byte
}

// Upload validates and ingests one document: every check runs before a
// single byte reaches storage. Identical bytes dedup to one stored blob no
// matter how many entries list them.
func (e *Engine) Upload(ctx context.Context, req UploadRequest) (*models.CatalogEntry, error) {
	req.Course = strings.ToUpper(strings.TrimSpace(req.Course))
	req.Title = strings.TrimSpace(req.Title)
	req.Uploader = strings.TrimSpace(req.Uploader)

	if err := e.validateUpload(req); err != nil {
		return nil, err
	}
	info, err := pdfdoc.Inspect(req.Data)
	if err != nil {
		return nil, fmt.Errorf("engine: reject upload: %w", err)
	}
	if e.maxPerUploader > 0 {
		n, err := e.catalog.CountActiveByUploader(ctx, req.Uploader)
		if err != nil {
			return nil, err
		}
		if n >= e.maxPerUploader {
			return nil, fmt.Errorf("engine: uploader %s at quota (%d active notes): %w",
				req.Uploader, n, apperr.ErrValidation)
		}
	}

	now := e.now().UTC().Truncate(time.Second)
	fp, err := e.blobs.Put(req.Data)
	if err != nil {
		return nil, err
	}
	doc := models.Document{
		Fingerprint: fp,
		Size:        int64(len(req.Data)),
		Pages:       info.Pages,
		Filename:    sanitizeFilename(req.Filename),
		Uploader:    req.Uploader,
		UploadedAt:  now,
	}
	if err := e.catalog.RegisterDocument(ctx, doc); err != nil {
		return nil, err
	}
	id, err := e.catalog.Register(ctx, req.Course, req.Title, req.Uploader, fp, now)
	if err != nil {
		return nil, err
	}
	entry, err := e.catalog.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}

	e.logger.Info("note registered",
		slog.String("entry", id),
		slog.String("course", req.Course),
		slog.String("fingerprint", checksum.Short(fp)),
		slog.Int("pages", info.Pages))
	e.emit(Event{Type: EventRegistered, Entry: *entry})
	return entry, nil
}

// Browse lists the active entries of one course, newest first.
func (e *Engine) Browse(ctx context.Context, course string) ([]models.CatalogEntry, error) {
	course = strings.ToUpper(strings.TrimSpace(course))
	if err := validateCourse(course); err != nil {
		return nil, err
	}
	return e.catalog.List(ctx, course)
}

// Search returns active entries whose course code or title contains the
// query, case-insensitively, newest first.
func (e *Engine) Search(ctx context.Context, query string) ([]models.CatalogEntry, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("engine: empty search query: %w", apperr.ErrValidation)
	}
	return e.catalog.Search(ctx, query)
}

// NoteDetail is the full representation of one catalog entry.
type NoteDetail struct {
	Entry     models.CatalogEntry `json:"entry"`
	Document  models.Document     `json:"document"`
	Downloads int                 `json:"downloads"`
}

// Describe returns an entry with its document metadata and retrieval count.
func (e *Engine) Describe(ctx context.Context, ref string) (*NoteDetail, error) {
	entry, err := e.resolveRef(ctx, strings.TrimSpace(ref))
	if err != nil {
		return nil, err
	}
	doc, err := e.catalog.GetDocument(ctx, entry.Fingerprint)
	if err != nil {
		return nil, err
	}
	rows, err := e.ledger.History(ctx, entry.ID)
	if err != nil {
		return nil, err
	}
	return &NoteDetail{Entry: *entry, Document: *doc, Downloads: len(rows)}, nil
}

// History returns every retrieval of an entry, oldest first. Removed entries
// keep their history; the ref must then be the exact entry id.
func (e *Engine) History(ctx context.Context, ref string) ([]models.LedgerEntry, error) {
	ref = strings.TrimSpace(ref)
	entry, err := e.resolveRef(ctx, ref)
	switch {
	case err == nil:
		return e.ledger.History(ctx, entry.ID)
	case errors.Is(err, apperr.ErrNotFound):
		rows, lerr := e.ledger.History(ctx, ref)
		if lerr != nil {
			return nil, lerr
		}
		if len(rows) == 0 {
			return nil, err
		}
		return rows, nil
	default:
		return nil, err
	}
}

// TraceResult identifies who retrieved a copy, with whatever catalog context
// still exists for it and the recipient's total retrieval count.
type TraceResult struct {
	Ledger           models.LedgerEntry   `json:"ledger"`
	Entry            *models.CatalogEntry `json:"entry,omitempty"`
	Document         *models.Document     `json:"document,omitempty"`
	RecipientRenders int64                `json:"recipient_renders"`
}

// Trace resolves a leaked copy back to its retrieval. The key may be the
// SHA-256 of the leaked bytes or the copy token from its metadata mark.
func (e *Engine) Trace(ctx context.Context, key string) (*TraceResult, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("engine: empty trace key: %w", apperr.ErrValidation)
	}
	row, err := e.ledger.FindByRenderFingerprint(ctx, key)
	if err != nil {
		return nil, err
	}

	res := &TraceResult{Ledger: *row}
	entry, err := e.catalog.Get(ctx, row.EntryID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	res.Entry = entry
	doc, err := e.catalog.GetDocument(ctx, row.DocFingerprint)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	res.Document = doc
	n, err := e.ledger.CountByRecipient(ctx, row.Recipient)
	if err != nil {
		return nil, err
	}
	res.RecipientRenders = n
	return res, nil
}

// Remove soft-deletes an entry. The document blob and all ledger history
// survive as audit evidence.
func (e *Engine) Remove(ctx context.Context, ref string) (*models.CatalogEntry, error) {
	entry, err := e.resolveRef(ctx, strings.TrimSpace(ref))
	if err != nil {
		return nil, err
	}
	at := e.now().UTC().Truncate(time.Second)
	if err := e.catalog.Remove(ctx, entry.ID, at); err != nil {
		return nil, err
	}
	entry.RemovedAt = &at

	e.logger.Info("note removed",
		slog.String("entry", entry.ID),
		slog.String("course", entry.Course))
	e.emit(Event{Type: EventRemoved, Entry: *entry})
	return entry, nil
}

// StatsReport aggregates store totals for the operator surface.
type StatsReport struct {
	Catalog catalog.Stats `json:"catalog"`
	Ledger  ledger.Stats  `json:"ledger"`
	Blobs   int           `json:"blobs"`
}

// Stats reports catalog, ledger, and blob totals.
func (e *Engine) Stats(ctx context.Context) (*StatsReport, error) {
	cs, err := e.catalog.Stats(ctx)
	if err != nil {
		return nil, err
	}
	ls, err := e.ledger.Stats(ctx)
	if err != nil {
		return nil, err
	}
	fps, err := e.blobs.Fingerprints()
	if err != nil {
		return nil, err
	}
	return &StatsReport{Catalog: *cs, Ledger: *ls, Blobs: len(fps)}, nil
}

// ReconcileReport summarizes a catalog/blob cross-check.
type ReconcileReport struct {
	Checked int      `json:"checked"`
	Missing []string `json:"missing,omitempty"`
	Corrupt []string `json:"corrupt,omitempty"`
}

// Reconcile verifies that every fingerprint referenced by an active entry is
// present and sound in the blob store. Run at startup; violations are logged
// and reported but never repaired automatically.
func (e *Engine) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	fps, err := e.catalog.ActiveFingerprints(ctx)
	if err != nil {
		return nil, err
	}
	sorted := make([]string, 0, len(fps))
	for fp := range fps {
		sorted = append(sorted, fp)
	}
	sort.Strings(sorted)

	rep := &ReconcileReport{Checked: len(sorted)}
	for _, fp := range sorted {
		_, err := e.blobs.Get(fp)
		switch {
		case err == nil:
		case errors.Is(err, apperr.ErrNotFound):
			rep.Missing = append(rep.Missing, fp)
			e.logger.Warn("reconcile: blob missing", slog.String("fingerprint", checksum.Short(fp)))
		default:
			rep.Corrupt = append(rep.Corrupt, fp)
			e.logger.Warn("reconcile: blob unreadable",
				slog.String("fingerprint", checksum.Short(fp)),
				slog.String("error", err.Error()))
		}
	}
	e.logger.Info("reconcile finished",
		slog.Int("checked", rep.Checked),
		slog.Int("missing", len(rep.Missing)),
		slog.Int("corrupt", len(rep.Corrupt)))
	return rep, nil
}

// resolveRef resolves an entry reference: an exact id, or a unique prefix of
// at least minRefChars characters.
func (e *Engine) resolveRef(ctx context.Context, ref string) (*models.CatalogEntry, error) {
	entry, err := e.catalog.Resolve(ctx, ref)
	if err == nil || !errors.Is(err, apperr.ErrNotFound) {
		return entry, err
	}
	if len(ref) < minRefChars {
		return nil, err
	}
	return e.catalog.ResolvePrefix(ctx, ref)
}

func (e *Engine) emit(ev Event) {
	if e.publish != nil {
		e.publish(ev)
	}
}
