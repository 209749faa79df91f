package engine

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/odal/internal/apperr"
	"github.com/starford/odal/internal/models"
)

var (
	courseRe   = regexp.MustCompile(`^[A-Z]{3,4}[0-9]{4}$`)
	identityRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

	// Anything outside this set gets squeezed out of filenames.
	unsafeFilenameRe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
)

// Validate checks the request fields. Course codes look like ENGR101 or
// MATH2001; identities are limited to a filename-safe charset because they
// end up in visible marks and suggested filenames.
func (r UploadRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Course, validation.Required, validation.Match(courseRe).Error("must be 3-4 letters followed by 4 digits")),
		validation.Field(&r.Title, validation.Required, validation.Length(1, 120)),
		validation.Field(&r.Uploader, validation.Required, validation.Match(identityRe).Error("must be 1-64 filename-safe characters")),
	)
}

// validateUpload runs field validation plus the size limits. Everything here
// happens before any byte reaches storage.
func (e *Engine) validateUpload(req UploadRequest) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("engine: %v: %w", err, apperr.ErrValidation)
	}
	if len(req.Data) == 0 {
		return fmt.Errorf("engine: empty upload: %w", apperr.ErrValidation)
	}
	if e.maxUploadBytes > 0 && int64(len(req.Data)) > e.maxUploadBytes {
		return fmt.Errorf("engine: upload of %d bytes exceeds limit of %d: %w",
			len(req.Data), e.maxUploadBytes, apperr.ErrValidation)
	}
	return nil
}

func validateRetrieve(ref, recipient string) error {
	if ref == "" {
		return fmt.Errorf("engine: empty entry reference: %w", apperr.ErrValidation)
	}
	if err := validation.Validate(recipient, validation.Required, validation.Match(identityRe)); err != nil {
		return fmt.Errorf("engine: recipient: %v: %w", err, apperr.ErrValidation)
	}
	return nil
}

func validateCourse(course string) error {
	if err := validation.Validate(course, validation.Required, validation.Match(courseRe)); err != nil {
		return fmt.Errorf("engine: course: %v: %w", err, apperr.ErrValidation)
	}
	return nil
}

// safeFilenamePart reduces s to a filename-safe fragment.
func safeFilenamePart(s string) string {
	s = unsafeFilenameRe.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-.")
	if s == "" {
		return "note"
	}
	return s
}

// sanitizeFilename normalizes an uploaded filename to a safe basename with a
// .pdf extension; path components and shell metacharacters never survive.
func sanitizeFilename(name string) string {
	base := filepath.Base(strings.TrimSpace(name))
	base = strings.TrimSuffix(base, ".pdf")
	return safeFilenamePart(base) + ".pdf"
}

// downloadFilename suggests a name for a rendered copy:
// <course>-<title>-<recipient>.pdf.
func downloadFilename(entry *models.CatalogEntry, recipient string) string {
	return fmt.Sprintf("%s-%s-%s.pdf",
		safeFilenamePart(entry.Course),
		safeFilenamePart(entry.Title),
		safeFilenamePart(recipient))
}
