package api

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/starford/odal/internal/models"
	"github.com/starford/odal/internal/testutil"
)

// newMetricsEnv mirrors the production shape: the API router mounted under
// /api behind the metrics middleware.
func newMetricsEnv(t *testing.T) (*Metrics, http.Handler) {
	t.Helper()
	_, apiRouter := testEnv(t, "")

	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	root := chi.NewRouter()
	root.Use(m.Middleware)
	root.Mount("/api", apiRouter)
	return m, root
}

func TestMetricsCountsByRoutePattern(t *testing.T) {
	m, h := newMetricsEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/notes?course=ENGR101", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("browse = %d", w.Code)
	}

	// The pattern, not the raw path, is the label.
	req = httptest.NewRequest(http.MethodGet, "/api/notes/ffffffffffffffff", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("describe unknown = %d", w.Code)
	}

	if n := promtest.ToFloat64(m.requests.WithLabelValues("GET", "/api/notes", "200")); n != 1 {
		t.Errorf("GET /api/notes 200 count = %v, want 1", n)
	}
	if n := promtest.ToFloat64(m.requests.WithLabelValues("GET", "/api/notes/{id}", "404")); n != 1 {
		t.Errorf("GET /api/notes/{id} 404 count = %v, want 1", n)
	}
	if n := promtest.CollectAndCount(m.duration); n == 0 {
		t.Error("no latency samples collected")
	}
}

func TestMetricsDomainCounters(t *testing.T) {
	m, h := newMetricsEnv(t)
	doc := testutil.PDF(t, 1, "Counted")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "notes.pdf")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	if _, err := part.Write(doc); err != nil {
		t.Fatalf("write part: %v", err)
	}
	mw.WriteField("course", "ENGR101")
	mw.WriteField("title", "Counted")
	mw.WriteField("uploader", "u1")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/notes", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("upload = %d: %s", w.Code, w.Body.String())
	}
	var entry models.CatalogEntry
	if err := json.Unmarshal(w.Body.Bytes(), &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/notes/"+entry.ID+"/download?recipient=u2", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("download = %d: %s", w.Code, w.Body.String())
	}

	if n := promtest.ToFloat64(m.uploads); n != 1 {
		t.Errorf("uploads = %v, want 1", n)
	}
	if n := promtest.ToFloat64(m.renders); n != 1 {
		t.Errorf("renders = %v, want 1", n)
	}

	m.IntegrityViolation()
	if n := promtest.ToFloat64(m.violations); n != 1 {
		t.Errorf("violations = %v, want 1", n)
	}
}

func TestMetricsFallsBackToRawPathOnUnroutedRequests(t *testing.T) {
	m, h := newMetricsEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unrouted = %d", w.Code)
	}
	if n := promtest.ToFloat64(m.requests.WithLabelValues("GET", "/nope", "404")); n != 1 {
		t.Errorf("GET /nope 404 count = %v, want 1", n)
	}
}

func TestMetricsExcludesOwnEndpoint(t *testing.T) {
	m, h := newMetricsEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if n := promtest.CollectAndCount(m.requests); n != 0 {
		t.Errorf("request to /metrics was counted, samples = %d", n)
	}
}

func TestMetricsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewMetrics(reg); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if _, err := NewMetrics(reg); err == nil {
		t.Error("second registration on the same registry should fail")
	}
}
