// Package pdfdoc inspects PDF documents: header sniffing, structural
// validation, and page counting for uploads before they reach storage.
package pdfdoc

import (
	"bytes"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/starford/odal/internal/apperr"
)

// Info describes a well-formed PDF document.
type Info struct {
	Pages   int    `json:"pages"`
	Version string `json:"version"`
	Size    int64  `json:"size"`
}

// Sniff reports whether data starts with a PDF header.
func Sniff(data []byte) bool {
	return bytes.HasPrefix(data, []byte("%PDF-"))
}

// Inspect parses and validates data as a PDF. Anything that does not parse as
// a structurally sound PDF is reported as apperr.ErrUnsupportedFormat.
func Inspect(data []byte) (*Info, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("pdfdoc: empty input: %w", apperr.ErrUnsupportedFormat)
	}
	if !Sniff(data) {
		return nil, fmt.Errorf("pdfdoc: missing PDF header: %w", apperr.ErrUnsupportedFormat)
	}

	ctx, err := api.ReadContext(bytes.NewReader(data), newConfiguration())
	if err != nil {
		return nil, fmt.Errorf("pdfdoc: parse: %v: %w", err, apperr.ErrUnsupportedFormat)
	}
	if err := api.ValidateContext(ctx); err != nil {
		return nil, fmt.Errorf("pdfdoc: validate: %v: %w", err, apperr.ErrUnsupportedFormat)
	}

	info := &Info{
		Pages: ctx.PageCount,
		Size:  int64(len(data)),
	}
	if ctx.HeaderVersion != nil {
		info.Version = ctx.HeaderVersion.String()
	}
	return info, nil
}

// newConfiguration returns a relaxed-validation pdfcpu configuration. Relaxed
// matches what mainstream viewers accept; strict mode rejects many real-world
// scanner outputs.
func newConfiguration() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}
