package ledger

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/starford/odal/internal/apperr"
	"github.com/starford/odal/internal/checksum"
	"github.com/starford/odal/internal/models"
)

func testLedger(t *testing.T) *Ledger {
	t.Helper()
	f, err := os.CreateTemp("", "odal-ledger-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	l, err := Open(f.Name())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func entry(recipient, entryID string, at time.Time, seed string) models.LedgerEntry {
	return models.LedgerEntry{
		Recipient:         recipient,
		EntryID:           entryID,
		DocFingerprint:    checksum.Sum([]byte("doc-" + seed)),
		RetrievedAt:       at,
		RenderFingerprint: checksum.Sum([]byte("render-" + seed)),
		RenderToken:       checksum.Sum([]byte("token-" + seed)),
	}
}

func TestAppendAndHistory(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	id, err := l.Append(ctx, entry("u2", "entry-1", at, "a"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if id == 0 {
		t.Fatal("ledger id should be non-zero")
	}

	hist, err := l.History(ctx, "entry-1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 1 {
		t.Fatalf("history len = %d, want 1", len(hist))
	}
	got := hist[0]
	if got.ID != id || got.Recipient != "u2" || !got.RetrievedAt.Equal(at) {
		t.Errorf("entry = %+v", got)
	}
}

func TestHistoryOrderedByTimestamp(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Inserted newest first; history must come back oldest first.
	lateID, _ := l.Append(ctx, entry("u3", "entry-2", base.Add(time.Hour), "late"))
	earlyID, _ := l.Append(ctx, entry("u2", "entry-2", base, "early"))

	hist, err := l.History(ctx, "entry-2")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("history len = %d, want 2", len(hist))
	}
	if hist[0].ID != earlyID || hist[1].ID != lateID {
		t.Errorf("order = [%d %d], want [%d %d]", hist[0].ID, hist[1].ID, earlyID, lateID)
	}
}

func TestHistoryTieBreakByLedgerID(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first, _ := l.Append(ctx, entry("u2", "entry-3", at, "x"))
	second, _ := l.Append(ctx, entry("u3", "entry-3", at, "y"))

	hist, err := l.History(ctx, "entry-3")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 || hist[0].ID != first || hist[1].ID != second {
		t.Errorf("tie-break order = %+v, want ids [%d %d]", hist, first, second)
	}
}

func TestHistoryScopedToEntry(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	at := time.Now().UTC()

	_, _ = l.Append(ctx, entry("u2", "entry-a", at, "1"))
	_, _ = l.Append(ctx, entry("u2", "entry-b", at, "2"))

	hist, err := l.History(ctx, "entry-a")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 1 || hist[0].EntryID != "entry-a" {
		t.Errorf("history = %+v, want only entry-a", hist)
	}

	empty, err := l.History(ctx, "entry-none")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("history for unknown entry = %+v, want empty", empty)
	}
}

func TestFindByRenderFingerprint(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	e := entry("u2", "entry-4", time.Now().UTC(), "find-me")

	id, err := l.Append(ctx, e)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	byFP, err := l.FindByRenderFingerprint(ctx, e.RenderFingerprint)
	if err != nil {
		t.Fatalf("FindByRenderFingerprint(fp): %v", err)
	}
	if byFP.ID != id || byFP.Recipient != "u2" {
		t.Errorf("by fingerprint = %+v", byFP)
	}

	byToken, err := l.FindByRenderFingerprint(ctx, e.RenderToken)
	if err != nil {
		t.Fatalf("FindByRenderFingerprint(token): %v", err)
	}
	if byToken.ID != id {
		t.Errorf("by token = %+v", byToken)
	}

	_, err = l.FindByRenderFingerprint(ctx, checksum.Sum([]byte("unknown")))
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("unknown key err = %v, want ErrNotFound", err)
	}
}

func TestLedgerRejectsUpdateAndDelete(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	id, err := l.Append(ctx, entry("u2", "entry-5", time.Now().UTC(), "immutable"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if _, err := l.conn.Exec(`UPDATE ledger SET recipient = 'forged' WHERE id = ?`, id); err == nil {
		t.Error("UPDATE should be rejected")
	} else if !strings.Contains(err.Error(), "append-only") {
		t.Errorf("UPDATE error = %v, want append-only trigger", err)
	}

	if _, err := l.conn.Exec(`DELETE FROM ledger WHERE id = ?`, id); err == nil {
		t.Error("DELETE should be rejected")
	} else if !strings.Contains(err.Error(), "append-only") {
		t.Errorf("DELETE error = %v, want append-only trigger", err)
	}

	hist, err := l.History(ctx, "entry-5")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 1 || hist[0].Recipient != "u2" {
		t.Errorf("row changed despite triggers: %+v", hist)
	}
}

func TestCountByRecipient(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, _ = l.Append(ctx, entry("u2", "e", base.Add(-2*time.Hour), "old"))
	_, _ = l.Append(ctx, entry("u2", "e", base, "now"))
	_, _ = l.Append(ctx, entry("u3", "e", base, "other"))

	n, err := l.CountByRecipient(ctx, "u2")
	if err != nil {
		t.Fatalf("CountByRecipient: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}

	zero, err := l.CountByRecipient(ctx, "nobody")
	if err != nil {
		t.Fatalf("CountByRecipient: %v", err)
	}
	if zero != 0 {
		t.Errorf("count for unknown recipient = %d, want 0", zero)
	}
}

func TestStats(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	at := time.Now().UTC()

	_, _ = l.Append(ctx, entry("busy", "e1", at, "s1"))
	_, _ = l.Append(ctx, entry("busy", "e2", at, "s2"))
	_, _ = l.Append(ctx, entry("quiet", "e1", at, "s3"))

	s, err := l.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if s.Renders != 3 {
		t.Errorf("renders = %d, want 3", s.Renders)
	}
	if len(s.TopRecipients) == 0 || s.TopRecipients[0].Recipient != "busy" || s.TopRecipients[0].Renders != 2 {
		t.Errorf("top recipients = %+v", s.TopRecipients)
	}
}
