package api

import (
	"github.com/starford/odal/internal/engine"
	"github.com/starford/odal/internal/models"
)

// Entry is one catalog listing (aliased from the domain layer).
type Entry = models.CatalogEntry

// NoteDetail is the full note response type (aliased from the domain layer).
type NoteDetail = engine.NoteDetail

// TraceResult is the traceability response type (aliased from the domain layer).
type TraceResult = engine.TraceResult

// StatsReport is the store totals response type (aliased from the domain layer).
type StatsReport = engine.StatsReport

// NotesResponse wraps a course browse listing.
type NotesResponse struct {
	Notes []Entry `json:"notes" validate:"required"`
	Total int     `json:"total" example:"12" validate:"required"`
}

// SearchResponse wraps catalog search results.
type SearchResponse struct {
	Results []Entry `json:"results" validate:"required"`
	Total   int     `json:"total" example:"3" validate:"required"`
}

// HistoryResponse wraps the download history of one entry, oldest first.
type HistoryResponse struct {
	Downloads []models.LedgerEntry `json:"downloads" validate:"required"`
	Total     int                  `json:"total" example:"2" validate:"required"`
}
