package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/starford/odal/internal/apperr"
	"github.com/starford/odal/internal/engine"
)

// maxFormBytes bounds the multipart transport; the engine enforces the
// configured per-upload document limit separately.
const maxFormBytes = 50 << 20

// Handler holds API route handlers.
type Handler struct {
	eng *engine.Engine
}

// NewHandler creates a new Handler over the engine.
func NewHandler(eng *engine.Engine) *Handler {
	return &Handler{eng: eng}
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrValidation), errors.Is(err, apperr.ErrAmbiguous):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, apperr.ErrLedgerUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail writes the response for a handler error. Client errors echo the
// reason; server-side failures are logged and masked.
func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status < http.StatusInternalServerError {
		writeJSON(w, status, errorBody(err.Error()))
		return
	}
	slog.Error(op+" failed", slog.String("error", err.Error()))
	if status == http.StatusServiceUnavailable {
		writeJSON(w, status, errorBody("download ledger unavailable"))
		return
	}
	writeJSON(w, status, errorBody("internal error"))
}

// Upload handles POST /api/notes.
//
//	@Summary		Upload a PDF note
//	@Tags			notes
//	@Accept			multipart/form-data
//	@Produce		json
//	@Param			file		formData	file	true	"PDF document"
//	@Param			course		formData	string	true	"Course code, e.g. ENGR101"
//	@Param			title		formData	string	true	"Listing title"
//	@Param			uploader	formData	string	true	"Uploader identity"
//	@Success		201	{object}	Entry
//	@Failure		400	{object}	errResponse
//	@Failure		415	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes [post]
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseMultipartForm(maxFormBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("file too large or invalid multipart form"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("missing 'file' field in multipart form"))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read uploaded file"))
		return
	}

	entry, err := h.eng.Upload(r.Context(), engine.UploadRequest{
		Course:   r.FormValue("course"),
		Title:    r.FormValue("title"),
		Uploader: r.FormValue("uploader"),
		Filename: header.Filename,
		Data:     data,
	})
	if err != nil {
		h.fail(w, "upload", err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// Browse handles GET /api/notes.
//
//	@Summary		List active notes for a course, newest first
//	@Tags			notes
//	@Produce		json
//	@Param			course	query		string	true	"Course code, e.g. ENGR101"
//	@Success		200		{object}	NotesResponse
//	@Failure		400		{object}	errResponse
//	@Router			/notes [get]
func (h *Handler) Browse(w http.ResponseWriter, r *http.Request) {
	entries, err := h.eng.Browse(r.Context(), r.URL.Query().Get("course"))
	if err != nil {
		h.fail(w, "browse", err)
		return
	}
	writeJSON(w, http.StatusOK, NotesResponse{Notes: entries, Total: len(entries)})
}

// Search handles GET /api/notes/search.
//
//	@Summary		Search active notes by course code or title substring
//	@Tags			notes
//	@Produce		json
//	@Param			q	query		string	true	"Search query"
//	@Success		200	{object}	SearchResponse
//	@Failure		400	{object}	errResponse
//	@Router			/notes/search [get]
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	results, err := h.eng.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		h.fail(w, "search", err)
		return
	}
	writeJSON(w, http.StatusOK, SearchResponse{Results: results, Total: len(results)})
}

// Describe handles GET /api/notes/{id}.
//
//	@Summary		Get one note with document metadata and download count
//	@Tags			notes
//	@Produce		json
//	@Param			id	path		string	true	"Entry id or unique prefix (min 8 chars)"
//	@Success		200	{object}	NoteDetail
//	@Failure		400	{object}	errResponse
//	@Failure		404	{object}	errResponse
//	@Router			/notes/{id} [get]
func (h *Handler) Describe(w http.ResponseWriter, r *http.Request) {
	detail, err := h.eng.Describe(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "describe", err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// Download handles GET /api/notes/{id}/download. The response body is the
// watermarked copy, never the original; its SHA-256 rides along in the
// X-Render-Fingerprint header so callers can verify what they received.
//
//	@Summary		Download a per-recipient watermarked copy
//	@Tags			notes
//	@Produce		application/pdf
//	@Param			id			path		string	true	"Entry id or unique prefix"
//	@Param			recipient	query		string	true	"Recipient identity rendered into the copy"
//	@Success		200	{file}		binary
//	@Failure		400	{object}	errResponse
//	@Failure		404	{object}	errResponse
//	@Failure		503	{object}	errResponse
//	@Router			/notes/{id}/download [get]
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	res, err := h.eng.Retrieve(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("recipient"))
	if err != nil {
		h.fail(w, "download", err)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Copy)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", res.Filename))
	w.Header().Set("X-Render-Fingerprint", res.Fingerprint)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.Copy); err != nil {
		slog.Error("download write failed",
			slog.String("entry", res.Entry.ID),
			slog.String("error", err.Error()))
	}
}

// History handles GET /api/notes/{id}/history.
//
//	@Summary		List every download of a note, oldest first
//	@Tags			audit
//	@Produce		json
//	@Param			id	path		string	true	"Entry id or unique prefix"
//	@Success		200	{object}	HistoryResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes/{id}/history [get]
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	rows, err := h.eng.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "history", err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Downloads: rows, Total: len(rows)})
}

// Remove handles DELETE /api/notes/{id}.
//
//	@Summary		Remove a note listing (history and stored document survive)
//	@Tags			notes
//	@Param			id	path	string	true	"Entry id or unique prefix"
//	@Success		204	"Note removed"
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes/{id} [delete]
func (h *Handler) Remove(w http.ResponseWriter, r *http.Request) {
	if _, err := h.eng.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, "remove", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Trace handles GET /api/trace. The fingerprint parameter accepts either the
// SHA-256 of a leaked copy's bytes or the copy token from its metadata mark.
//
//	@Summary		Trace a leaked copy back to its recipient
//	@Tags			audit
//	@Produce		json
//	@Param			fingerprint	query		string	true	"Render fingerprint or copy token"
//	@Success		200	{object}	TraceResult
//	@Failure		400	{object}	errResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/trace [get]
func (h *Handler) Trace(w http.ResponseWriter, r *http.Request) {
	res, err := h.eng.Trace(r.Context(), r.URL.Query().Get("fingerprint"))
	if err != nil {
		h.fail(w, "trace", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Stats handles GET /api/stats.
//
//	@Summary		Store totals: documents, entries, renders, top courses and recipients
//	@Tags			audit
//	@Produce		json
//	@Success		200	{object}	StatsReport
//	@Security		BearerAuth
//	@Router			/stats [get]
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	report, err := h.eng.Stats(r.Context())
	if err != nil {
		h.fail(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
