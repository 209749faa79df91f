package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/odal/internal/engine"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced; it guards the
// mutating and audit routes, while browse, search, detail, and download stay
// open (recipients identify themselves per request, they do not hold tokens).
// events, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(eng *engine.Engine, authEnabled bool, token string, events http.Handler) chi.Router {
	h := NewHandler(eng)

	r := chi.NewRouter()

	// Read surfaces.
	r.Get("/notes", h.Browse)
	r.Get("/notes/search", h.Search)
	r.Get("/notes/{id}", h.Describe)
	r.Get("/notes/{id}/download", h.Download)

	// Mutating and audit surfaces.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(authEnabled, token))

		r.Post("/notes", h.Upload)
		r.Delete("/notes/{id}", h.Remove)
		r.Get("/notes/{id}/history", h.History)
		r.Get("/trace", h.Trace)
		r.Get("/stats", h.Stats)

		if events != nil {
			r.Get("/events", events.ServeHTTP)
		}
	})

	return r
}
