// Package watermark renders per-recipient marked copies of stored PDFs.
// Every copy carries two independent marks: a visible diagonal overlay
// repeated on each page, and a machine-readable mark in the document Info
// dictionary that survives edits to the page content. Output bytes are a
// function of (document, recipient, timestamp) only, so a copy rendered for
// the same recipient at a later time is a different byte sequence.
package watermark

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/starford/odal/internal/apperr"
	"github.com/starford/odal/internal/checksum"
	"github.com/starford/odal/internal/pdfdoc"
)

// Property keys of the metadata mark.
const (
	PropRecipient   = "OdalRecipient"
	PropRetrievedAt = "OdalRetrievedAt"
	PropCopyToken   = "OdalCopyToken"
)

// Result is one rendered copy.
type Result struct {
	Bytes       []byte
	Fingerprint string // SHA-256 of Bytes; what the ledger records
	Token       string // input-derived copy token; embedded in the metadata mark
	Pages       int
}

// Options control the visible overlay's appearance. The zero value of any
// field falls back to the matching DefaultOptions value.
type Options struct {
	FontName  string  // core PDF font
	Points    int     // overlay font size
	Opacity   float64 // 0 < opacity <= 1
	FillColor string  // hex #rrggbb
}

// DefaultOptions returns the stock overlay appearance: large, light grey,
// diagonal, translucent enough to leave the page readable.
func DefaultOptions() Options {
	return Options{
		FontName:  "Helvetica",
		Points:    32,
		Opacity:   0.3,
		FillColor: "#b3b3b3",
	}
}

// Renderer produces marked copies. A Renderer is stateless and safe for
// concurrent use; rendering never touches shared state or the content store.
type Renderer struct {
	opts Options
}

// New creates a Renderer with the given overlay options.
func New(opts Options) *Renderer {
	def := DefaultOptions()
	if opts.FontName == "" {
		opts.FontName = def.FontName
	}
	if opts.Points == 0 {
		opts.Points = def.Points
	}
	if opts.Opacity == 0 {
		opts.Opacity = def.Opacity
	}
	if opts.FillColor == "" {
		opts.FillColor = def.FillColor
	}
	return &Renderer{opts: opts}
}

// Token derives the copy token embedded in the metadata mark: a pure
// function of the document fingerprint, recipient identity, and the
// second-granularity retrieval timestamp.
func Token(docFingerprint, recipient string, ts time.Time) string {
	h := sha256.New()
	fmt.Fprintf(h, "odal/render/v1|%s|%s|%s",
		docFingerprint, recipient, ts.UTC().Truncate(time.Second).Format(time.RFC3339))
	return hex.EncodeToString(h.Sum(nil))
}

// Render produces a marked copy of doc for recipient at ts. The input slice
// is never modified; on any failure no bytes are returned.
func (r *Renderer) Render(doc []byte, recipient string, ts time.Time) (*Result, error) {
	info, err := pdfdoc.Inspect(doc)
	if err != nil {
		return nil, err
	}
	ts = ts.UTC().Truncate(time.Second)

	// Private working copy; pdfcpu only reads it, but the source bytes are
	// shared with the blob store's caller and must stay untouched.
	src := bytes.Clone(doc)

	docFP := checksum.Sum(doc)
	token := Token(docFP, recipient, ts)
	stamp := ts.Format(time.RFC3339)

	text := fmt.Sprintf("%s · %s\ncopy %s", recipient, stamp, token[:12])
	desc := fmt.Sprintf("fontname:%s, points:%d, diagonal:1, opacity:%.2f, fillcolor:%s",
		r.opts.FontName, r.opts.Points, r.opts.Opacity, r.opts.FillColor)

	wm, err := api.TextWatermark(text, desc, true, false, types.POINTS)
	if err != nil {
		return nil, fmt.Errorf("watermark: configure overlay: %v: %w", err, apperr.ErrRender)
	}

	var overlaid bytes.Buffer
	if err := api.AddWatermarks(bytes.NewReader(src), &overlaid, nil, wm, newConfiguration()); err != nil {
		return nil, fmt.Errorf("watermark: overlay: %v: %w", err, apperr.ErrRender)
	}

	props := map[string]string{
		PropRecipient:   recipient,
		PropRetrievedAt: stamp,
		PropCopyToken:   token,
	}
	var marked bytes.Buffer
	if err := api.AddProperties(bytes.NewReader(overlaid.Bytes()), &marked, props, newConfiguration()); err != nil {
		return nil, fmt.Errorf("watermark: metadata mark: %v: %w", err, apperr.ErrRender)
	}

	out := normalizeVolatileFields(marked.Bytes(), ts, token)
	return &Result{
		Bytes:       out,
		Fingerprint: checksum.Sum(out),
		Token:       token,
		Pages:       info.Pages,
	}, nil
}

// newConfiguration returns a pdfcpu configuration for rendering. Classic
// cross-reference tables and unpacked objects keep the Info dictionary and
// trailer as plain text, which normalizeVolatileFields depends on.
func newConfiguration() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	conf.WriteObjectStream = false
	conf.WriteXRefStream = false
	return conf
}
