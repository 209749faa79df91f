package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/starford/odal/internal/apperr"
	"github.com/starford/odal/internal/checksum"
	"github.com/starford/odal/internal/models"
)

// State names one step of the retrieval pipeline.
type State string

// Pipeline states in order, plus the terminal failure state.
const (
	StateRequested State = "requested"
	StateResolved  State = "resolved"
	StateFetched   State = "fetched"
	StateRendered  State = "rendered"
	StateLogged    State = "logged"
	StateDelivered State = "delivered"
	StateFailed    State = "failed"
)

// Retrieval carries one request through the pipeline. On success State is
// StateDelivered and the copy fields are populated. The original document
// bytes never leave the engine; only the rendered copy does.
type Retrieval struct {
	State       State
	Recipient   string
	RetrievedAt time.Time
	Entry       *models.CatalogEntry

	Copy        []byte
	Fingerprint string
	Token       string
	LedgerID    int64
	Filename    string

	ref      string
	original []byte
}

// step is one transition of the pipeline: run either advances the retrieval
// to next or fails it terminally.
type step struct {
	next State
	run  func(*Engine, context.Context, *Retrieval) error
}

// pipeline is the ordered transition table. Keeping each failure mode local
// to its step makes them testable one at a time.
var pipeline = []step{
	{StateResolved, (*Engine).resolveStep},
	{StateFetched, (*Engine).fetchStep},
	{StateRendered, (*Engine).renderStep},
	{StateLogged, (*Engine).logStep},
	{StateDelivered, (*Engine).deliverStep},
}

// Retrieve runs one retrieval end to end. The returned Retrieval is non-nil
// only on full success: no rendered bytes exist for the caller unless the
// ledger row they are traceable by is already durable.
func (e *Engine) Retrieve(ctx context.Context, ref, recipient string) (*Retrieval, error) {
	r := &Retrieval{
		State:       StateRequested,
		Recipient:   recipient,
		RetrievedAt: e.now().UTC().Truncate(time.Second),
		ref:         strings.TrimSpace(ref),
	}
	if err := validateRetrieve(r.ref, recipient); err != nil {
		return nil, e.failRetrieval(r, err)
	}
	for _, s := range pipeline {
		if err := s.run(e, ctx, r); err != nil {
			return nil, e.failRetrieval(r, err)
		}
		r.State = s.next
	}

	e.logger.Info("note delivered",
		slog.String("entry", r.Entry.ID),
		slog.String("recipient", r.Recipient),
		slog.String("render", checksum.Short(r.Fingerprint)),
		slog.Int64("ledger_id", r.LedgerID))
	return r, nil
}

// failRetrieval marks the retrieval failed and drops any bytes it was
// carrying, so a partially rendered copy cannot escape through the struct.
func (e *Engine) failRetrieval(r *Retrieval, err error) error {
	failedAt := r.State
	r.State = StateFailed
	r.Copy = nil
	r.original = nil

	e.logger.Warn("retrieval failed",
		slog.String("ref", r.ref),
		slog.String("recipient", r.Recipient),
		slog.String("at", string(failedAt)),
		slog.String("error", err.Error()))
	return err
}

func (e *Engine) resolveStep(ctx context.Context, r *Retrieval) error {
	entry, err := e.resolveRef(ctx, r.ref)
	if err != nil {
		return err
	}
	r.Entry = entry
	return nil
}

func (e *Engine) fetchStep(_ context.Context, r *Retrieval) error {
	data, err := e.blobs.Get(r.Entry.Fingerprint)
	if err != nil {
		return err
	}
	r.original = data
	return nil
}

func (e *Engine) renderStep(_ context.Context, r *Retrieval) error {
	res, err := e.renderer.Render(r.original, r.Recipient, r.RetrievedAt)
	if err != nil {
		return err
	}
	r.Copy = res.Bytes
	r.Fingerprint = res.Fingerprint
	r.Token = res.Token
	return nil
}

// logStep makes the retrieval accountable before it becomes deliverable. A
// failed append aborts the pipeline: accountability is mandatory, not
// best-effort.
func (e *Engine) logStep(ctx context.Context, r *Retrieval) error {
	id, err := e.ledger.Append(ctx, models.LedgerEntry{
		Recipient:         r.Recipient,
		EntryID:           r.Entry.ID,
		DocFingerprint:    r.Entry.Fingerprint,
		RetrievedAt:       r.RetrievedAt,
		RenderFingerprint: r.Fingerprint,
		RenderToken:       r.Token,
	})
	if err != nil {
		return fmt.Errorf("engine: ledger append: %v: %w", err, apperr.ErrLedgerUnavailable)
	}
	r.LedgerID = id
	return nil
}

// deliverStep releases the copy to the caller and drops the original.
func (e *Engine) deliverStep(_ context.Context, r *Retrieval) error {
	r.original = nil
	r.Filename = downloadFilename(r.Entry, r.Recipient)
	return nil
}
