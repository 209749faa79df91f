package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/starford/odal/internal/checksum"
	"github.com/starford/odal/internal/engine"
	"github.com/starford/odal/internal/events"
	"github.com/starford/odal/internal/testutil"
	"github.com/starford/odal/internal/watermark"
)

var quietLogger = slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))

// testEnv sets up temp stores, an engine, and a router for testing.
// An empty authToken means disabled mode; non-empty means token mode.
func testEnv(t *testing.T, authToken string) (*engine.Engine, http.Handler) {
	t.Helper()
	eng := newTestEngine(t)
	return eng, NewRouter(eng, authToken != "", authToken, nil)
}

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	return engine.New(
		testutil.TestBlobStore(t),
		testutil.TestCatalog(t),
		testutil.TestLedger(t),
		watermark.New(watermark.Options{}),
		engine.WithLogger(quietLogger),
	)
}

// uploadNote posts a multipart note upload. token is attached as a Bearer
// header when non-empty.
func uploadNote(t *testing.T, router http.Handler, token, course, title, uploader string, doc []byte) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "notes.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.Copy(part, bytes.NewReader(doc)); err != nil {
		t.Fatal(err)
	}
	for k, v := range map[string]string{"course": course, "title": title, "uploader": uploader} {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/notes", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func mustUploadEntry(t *testing.T, router http.Handler, course, title, uploader string, doc []byte) Entry {
	t.Helper()
	w := uploadNote(t, router, "", course, title, uploader, doc)
	if w.Code != http.StatusCreated {
		t.Fatalf("upload status = %d, body = %s", w.Code, w.Body.String())
	}
	var entry Entry
	if err := json.Unmarshal(w.Body.Bytes(), &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	return entry
}

func get(router http.Handler, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestUploadAndDescribe(t *testing.T) {
	_, router := testEnv(t, "")

	doc := testutil.PDF(t, 2, "Signals and Systems")
	entry := mustUploadEntry(t, router, "ENGR101", "Midterm Notes", "u1", doc)
	if entry.ID == "" {
		t.Fatal("entry id is empty")
	}
	if entry.Course != "ENGR101" {
		t.Errorf("course = %q", entry.Course)
	}
	if entry.Fingerprint != checksum.Sum(doc) {
		t.Errorf("fingerprint = %q, want content hash", entry.Fingerprint)
	}

	w := get(router, "/notes/"+entry.ID)
	if w.Code != http.StatusOK {
		t.Fatalf("describe = %d, body = %s", w.Code, w.Body.String())
	}
	var detail NoteDetail
	_ = json.Unmarshal(w.Body.Bytes(), &detail)
	if detail.Document.Pages != 2 {
		t.Errorf("pages = %d, want 2", detail.Document.Pages)
	}
	if detail.Downloads != 0 {
		t.Errorf("downloads = %d, want 0", detail.Downloads)
	}
}

func TestUploadNormalizesCourse(t *testing.T) {
	_, router := testEnv(t, "")

	entry := mustUploadEntry(t, router, "engr101", "Lecture 3", "u1", testutil.PDF(t, 1, "x"))
	if entry.Course != "ENGR101" {
		t.Errorf("course = %q, want ENGR101", entry.Course)
	}
}

func TestUploadRejectsNonPDF(t *testing.T) {
	_, router := testEnv(t, "")

	w := uploadNote(t, router, "", "ENGR101", "Notes", "u1", []byte("plain text, not a pdf"))
	if w.Code != http.StatusUnsupportedMediaType {
		t.Errorf("non-pdf upload = %d, want 415", w.Code)
	}
}

func TestUploadValidation(t *testing.T) {
	_, router := testEnv(t, "")
	doc := testutil.PDF(t, 1, "x")

	cases := map[string][3]string{
		"bad course":   {"E1", "Notes", "u1"},
		"empty title":  {"ENGR101", "", "u1"},
		"bad uploader": {"ENGR101", "Notes", "u 1!"},
	}
	for name, c := range cases {
		w := uploadNote(t, router, "", c[0], c[1], c[2], doc)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, w.Code)
		}
	}
}

func TestUploadMissingFileField(t *testing.T) {
	_, router := testEnv(t, "")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("course", "ENGR101")
	_ = mw.WriteField("title", "Notes")
	_ = mw.WriteField("uploader", "u1")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/notes", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing file field = %d, want 400", w.Code)
	}
}

func TestUploadRejectsNonMultipart(t *testing.T) {
	_, router := testEnv(t, "")

	body, _ := json.Marshal(map[string]string{"course": "ENGR101"})
	req := httptest.NewRequest(http.MethodPost, "/notes", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("json upload = %d, want 400", w.Code)
	}
}

func TestBrowseByCourse(t *testing.T) {
	_, router := testEnv(t, "")

	mustUploadEntry(t, router, "ENGR101", "Week 1", "u1", testutil.PDF(t, 1, "one"))
	mustUploadEntry(t, router, "ENGR101", "Week 2", "u1", testutil.PDF(t, 1, "two"))
	mustUploadEntry(t, router, "MATH2001", "Limits", "u2", testutil.PDF(t, 1, "three"))

	w := get(router, "/notes?course=ENGR101")
	if w.Code != http.StatusOK {
		t.Fatalf("browse = %d, body = %s", w.Code, w.Body.String())
	}
	var resp NotesResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Total != 2 || len(resp.Notes) != 2 {
		t.Errorf("total = %d, len = %d, want 2", resp.Total, len(resp.Notes))
	}
	for _, e := range resp.Notes {
		if e.Course != "ENGR101" {
			t.Errorf("foreign course in browse: %q", e.Course)
		}
	}

	if w := get(router, "/notes"); w.Code != http.StatusBadRequest {
		t.Errorf("browse without course = %d, want 400", w.Code)
	}
}

func TestSearchEndpoint(t *testing.T) {
	_, router := testEnv(t, "")

	mustUploadEntry(t, router, "ENGR101", "Fourier Transforms", "u1", testutil.PDF(t, 1, "x"))
	mustUploadEntry(t, router, "MATH2001", "Group Theory", "u1", testutil.PDF(t, 1, "y"))

	w := get(router, "/notes/search?q=fourier")
	if w.Code != http.StatusOK {
		t.Fatalf("search = %d, body = %s", w.Code, w.Body.String())
	}
	var resp SearchResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Total != 1 {
		t.Errorf("results = %d, want 1", resp.Total)
	}

	if w := get(router, "/notes/search"); w.Code != http.StatusBadRequest {
		t.Errorf("search without query = %d, want 400", w.Code)
	}
}

func TestDownload(t *testing.T) {
	_, router := testEnv(t, "")

	doc := testutil.PDF(t, 1, "Thermodynamics")
	entry := mustUploadEntry(t, router, "ENGR101", "Midterm Notes", "u1", doc)

	w := get(router, "/notes/"+entry.ID+"/download?recipient=u2")
	if w.Code != http.StatusOK {
		t.Fatalf("download = %d, body = %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Errorf("content type = %q", ct)
	}

	body := w.Body.Bytes()
	if bytes.Equal(body, doc) {
		t.Fatal("download returned the original, not a rendered copy")
	}
	if fp := w.Header().Get("X-Render-Fingerprint"); fp != checksum.Sum(body) {
		t.Errorf("X-Render-Fingerprint = %q does not match body hash", fp)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, "ENGR101-Midterm-Notes-u2.pdf") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if !testutil.PDFContains(body, "u2") {
		t.Error("rendered copy does not carry the recipient mark")
	}
}

func TestDownloadRequiresRecipient(t *testing.T) {
	_, router := testEnv(t, "")

	entry := mustUploadEntry(t, router, "ENGR101", "Notes", "u1", testutil.PDF(t, 1, "x"))
	if w := get(router, "/notes/"+entry.ID+"/download"); w.Code != http.StatusBadRequest {
		t.Errorf("download without recipient = %d, want 400", w.Code)
	}
}

func TestDownloadUnknownNote(t *testing.T) {
	_, router := testEnv(t, "")

	w := get(router, "/notes/ffffffffffffffff/download?recipient=u2")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown note download = %d, want 404", w.Code)
	}
}

func TestHistoryAfterDownloads(t *testing.T) {
	_, router := testEnv(t, "")

	entry := mustUploadEntry(t, router, "ENGR101", "Notes", "u1", testutil.PDF(t, 1, "x"))
	for _, recipient := range []string{"u2", "u3"} {
		if w := get(router, "/notes/"+entry.ID+"/download?recipient="+recipient); w.Code != http.StatusOK {
			t.Fatalf("download as %s = %d", recipient, w.Code)
		}
	}

	w := get(router, "/notes/"+entry.ID+"/history")
	if w.Code != http.StatusOK {
		t.Fatalf("history = %d, body = %s", w.Code, w.Body.String())
	}
	var resp HistoryResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Total != 2 {
		t.Fatalf("history rows = %d, want 2", resp.Total)
	}
	if resp.Downloads[0].Recipient != "u2" || resp.Downloads[1].Recipient != "u3" {
		t.Errorf("history order = %s, %s", resp.Downloads[0].Recipient, resp.Downloads[1].Recipient)
	}
}

func TestRemoveNote(t *testing.T) {
	_, router := testEnv(t, "")

	entry := mustUploadEntry(t, router, "ENGR101", "Notes", "u1", testutil.PDF(t, 1, "x"))
	if w := get(router, "/notes/"+entry.ID+"/download?recipient=u2"); w.Code != http.StatusOK {
		t.Fatalf("download = %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodDelete, "/notes/"+entry.ID, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete = %d, want 204", w.Code)
	}

	if w := get(router, "/notes/"+entry.ID); w.Code != http.StatusNotFound {
		t.Errorf("describe after delete = %d, want 404", w.Code)
	}
	bw := get(router, "/notes?course=ENGR101")
	if bw.Code != http.StatusOK {
		t.Fatalf("browse after delete = %d", bw.Code)
	}
	var resp NotesResponse
	_ = json.Unmarshal(bw.Body.Bytes(), &resp)
	if resp.Total != 0 {
		t.Errorf("browse still lists removed entry, total = %d", resp.Total)
	}

	// History survives removal when queried by the exact id.
	hw := get(router, "/notes/"+entry.ID+"/history")
	if hw.Code != http.StatusOK {
		t.Fatalf("history after delete = %d", hw.Code)
	}
	var hist HistoryResponse
	_ = json.Unmarshal(hw.Body.Bytes(), &hist)
	if hist.Total != 1 {
		t.Errorf("history rows after delete = %d, want 1", hist.Total)
	}
}

func TestDeleteUnknownNote(t *testing.T) {
	_, router := testEnv(t, "")

	req := httptest.NewRequest(http.MethodDelete, "/notes/ffffffffffffffff", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("delete unknown = %d, want 404", w.Code)
	}
}

func TestTraceEndpoint(t *testing.T) {
	_, router := testEnv(t, "")

	entry := mustUploadEntry(t, router, "ENGR101", "Notes", "u1", testutil.PDF(t, 1, "x"))
	dw := get(router, "/notes/"+entry.ID+"/download?recipient=u3")
	if dw.Code != http.StatusOK {
		t.Fatalf("download = %d", dw.Code)
	}
	fp := dw.Header().Get("X-Render-Fingerprint")

	w := get(router, "/trace?fingerprint="+fp)
	if w.Code != http.StatusOK {
		t.Fatalf("trace = %d, body = %s", w.Code, w.Body.String())
	}
	var res TraceResult
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	if res.Ledger.Recipient != "u3" {
		t.Errorf("traced recipient = %q, want u3", res.Ledger.Recipient)
	}
	if res.Entry == nil || res.Entry.ID != entry.ID {
		t.Error("trace did not carry the catalog entry")
	}

	if w := get(router, "/trace?fingerprint="+checksum.Sum([]byte("unrelated"))); w.Code != http.StatusNotFound {
		t.Errorf("unknown trace = %d, want 404", w.Code)
	}
	if w := get(router, "/trace"); w.Code != http.StatusBadRequest {
		t.Errorf("trace without key = %d, want 400", w.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	_, router := testEnv(t, "")

	entry := mustUploadEntry(t, router, "ENGR101", "Notes", "u1", testutil.PDF(t, 1, "x"))
	if w := get(router, "/notes/"+entry.ID+"/download?recipient=u2"); w.Code != http.StatusOK {
		t.Fatalf("download = %d", w.Code)
	}

	w := get(router, "/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("stats = %d, body = %s", w.Code, w.Body.String())
	}
	var report StatsReport
	_ = json.Unmarshal(w.Body.Bytes(), &report)
	if report.Catalog.Documents != 1 || report.Catalog.ActiveEntries != 1 {
		t.Errorf("catalog stats = %+v", report.Catalog)
	}
	if report.Ledger.Renders != 1 {
		t.Errorf("renders = %d, want 1", report.Ledger.Renders)
	}
	if report.Blobs != 1 {
		t.Errorf("blobs = %d, want 1", report.Blobs)
	}
}

// Auth coverage: mutating and audit routes sit behind the Bearer gate, the
// read surfaces do not.

func TestAuthProtectsMutatingRoutes(t *testing.T) {
	_, router := testEnv(t, "secret123")
	doc := testutil.PDF(t, 1, "x")

	if w := uploadNote(t, router, "", "ENGR101", "Notes", "u1", doc); w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated upload = %d, want 401", w.Code)
	}
	if w := uploadNote(t, router, "wrong", "ENGR101", "Notes", "u1", doc); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token upload = %d, want 401", w.Code)
	}
	if w := uploadNote(t, router, "secret123", "ENGR101", "Notes", "u1", doc); w.Code != http.StatusCreated {
		t.Errorf("authed upload = %d, want 201", w.Code)
	}

	for _, target := range []string{"/stats", "/trace?fingerprint=x", "/notes/ffffffffffffffff/history"} {
		if w := get(router, target); w.Code != http.StatusUnauthorized {
			t.Errorf("unauthenticated GET %s = %d, want 401", target, w.Code)
		}
	}

	req := httptest.NewRequest(http.MethodDelete, "/notes/ffffffffffffffff", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated delete = %d, want 401", w.Code)
	}
}

func TestAuthLeavesReadSurfacesOpen(t *testing.T) {
	_, router := testEnv(t, "secret123")

	if w := get(router, "/notes?course=ENGR101"); w.Code != http.StatusOK {
		t.Errorf("browse with auth enabled = %d, want 200", w.Code)
	}
	if w := get(router, "/notes/search?q=anything"); w.Code != http.StatusOK {
		t.Errorf("search with auth enabled = %d, want 200", w.Code)
	}
	// Download passes the gate and fails on resolution instead.
	if w := get(router, "/notes/ffffffffffffffff/download?recipient=u2"); w.Code != http.StatusNotFound {
		t.Errorf("download with auth enabled = %d, want 404", w.Code)
	}
}

func TestAuthDisabled(t *testing.T) {
	_, router := testEnv(t, "")

	if w := get(router, "/stats"); w.Code != http.StatusOK {
		t.Errorf("stats without auth = %d, want 200", w.Code)
	}
}

// SSE endpoint auth tests, run against the real broker.

func TestEventsAuthProtected(t *testing.T) {
	eng := newTestEngine(t)
	broker := events.NewBroker()
	t.Cleanup(broker.Close)
	router := NewRouter(eng, true, "tok", broker)

	if w := get(router, "/events"); w.Code != http.StatusUnauthorized {
		t.Errorf("SSE without token = %d, want 401", w.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code == http.StatusUnauthorized {
		t.Error("SSE with valid token should not 401")
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("SSE content type = %q", ct)
	}
}
