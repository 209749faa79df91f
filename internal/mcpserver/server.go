// Package mcpserver provides an MCP (Model Context Protocol) server that
// exposes the note store to LLM agents via stdio transport. Retrieval through
// fetch_note goes through the same engine pipeline as the REST download, so
// agent-fetched copies are watermarked and ledgered like any other.
package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/odal/internal/engine"
)

// Server wraps the MCP server with the note store tools.
type Server struct {
	mcp *server.MCPServer
	eng *engine.Engine
}

// New creates a new MCP server with all tools registered.
func New(eng *engine.Engine) *Server {
	s := &Server{eng: eng}

	s.mcp = server.NewMCPServer(
		"Odal",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("search_notes",
		mcp.WithDescription("Search active notes by course code or title substring."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query string")),
	), s.searchNotes)

	s.mcp.AddTool(mcp.NewTool("list_notes",
		mcp.WithDescription("List the active notes of one course, newest first."),
		mcp.WithString("course", mcp.Required(), mcp.Description("Course code, e.g. ENGR101")),
	), s.listNotes)

	s.mcp.AddTool(mcp.NewTool("fetch_note",
		mcp.WithDescription("Fetch a note as a watermarked PDF copy rendered for the given "+
			"recipient. Every fetch is recorded in the download ledger; the returned JSON "+
			"carries the PDF as base64 plus the render fingerprint and copy token that "+
			"identify this exact copy."),
		mcp.WithString("ref", mcp.Required(), mcp.Description("Entry id or unique prefix (min 8 chars)")),
		mcp.WithString("recipient", mcp.Required(), mcp.Description("Recipient identity rendered into the copy")),
	), s.fetchNote)

	s.mcp.AddTool(mcp.NewTool("note_history",
		mcp.WithDescription("List every recorded download of a note, oldest first."),
		mcp.WithString("ref", mcp.Required(), mcp.Description("Entry id or unique prefix")),
	), s.noteHistory)

	s.mcp.AddTool(mcp.NewTool("trace_copy",
		mcp.WithDescription("Trace a leaked copy back to its recipient. Accepts the SHA-256 "+
			"of the leaked file's bytes or the copy token from its metadata mark."),
		mcp.WithString("fingerprint", mcp.Required(), mcp.Description("Render fingerprint or copy token")),
	), s.traceCopy)

	s.mcp.AddTool(mcp.NewTool("upload_note",
		mcp.WithDescription("Upload a PDF note from an http(s) URL or a base64 data URI. "+
			"Only PDF content is accepted. Read the usage contract first via the "+
			"get_usage_contract tool or the odal://usage resource."),
		mcp.WithString("url", mcp.Required(), mcp.Description("http(s) URL or data:application/pdf;base64,... URI")),
		mcp.WithString("course", mcp.Required(), mcp.Description("Course code, e.g. ENGR101")),
		mcp.WithString("title", mcp.Required(), mcp.Description("Listing title")),
		mcp.WithString("uploader", mcp.Required(), mcp.Description("Uploader identity")),
		mcp.WithString("filename", mcp.Description("Optional original filename")),
	), s.uploadNote)

	s.mcp.AddTool(mcp.NewTool("get_usage_contract",
		mcp.WithDescription("Returns the store's usage contract: identifier formats, "+
			"watermarking behavior, and traceability rules. Call this before uploading "+
			"or fetching notes."),
	), s.getUsageContract)

	// Resource: usage contract.
	s.mcp.AddResource(
		mcp.NewResource("odal://usage", "Note Store Usage Contract",
			mcp.WithResourceDescription("Identifier formats, watermarking behavior, and traceability rules."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readUsageResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) searchNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	entries, err := s.eng.Search(ctx, query)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, _ := json.MarshalIndent(entries, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) listNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	course, err := req.RequireString("course")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	entries, err := s.eng.Browse(ctx, course)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, _ := json.MarshalIndent(entries, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

// fetchResult is the fetch_note payload. ContentBase64 is the rendered copy,
// never the original.
type fetchResult struct {
	Filename          string `json:"filename"`
	RenderFingerprint string `json:"render_fingerprint"`
	CopyToken         string `json:"copy_token"`
	LedgerID          int64  `json:"ledger_id"`
	ContentBase64     string `json:"content_base64"`
}

func (s *Server) fetchNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := req.RequireString("ref")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	recipient, err := req.RequireString("recipient")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	r, err := s.eng.Retrieve(ctx, ref, recipient)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, _ := json.Marshal(fetchResult{
		Filename:          r.Filename,
		RenderFingerprint: r.Fingerprint,
		CopyToken:         r.Token,
		LedgerID:          r.LedgerID,
		ContentBase64:     base64.StdEncoding.EncodeToString(r.Copy),
	})
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) noteHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := req.RequireString("ref")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rows, err := s.eng.History(ctx, ref)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(rows) == 0 {
		return mcp.NewToolResultText("no downloads recorded"), nil
	}
	out, _ := json.MarshalIndent(rows, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) traceCopy(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := req.RequireString("fingerprint")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := s.eng.Trace(ctx, key)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("trace failed: %v", err)), nil
	}
	out, _ := json.MarshalIndent(res, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) getUsageContract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(UsageContract), nil
}

func (s *Server) readUsageResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "odal://usage",
			MIMEType: "text/markdown",
			Text:     UsageContract,
		},
	}, nil
}
