package apperr

import "errors"

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrAmbiguous         = errors.New("ambiguous reference")
	ErrIntegrity         = errors.New("integrity check failed")
	ErrUnsupportedFormat = errors.New("unsupported document format")
	ErrRender            = errors.New("render failed")
	ErrLedgerUnavailable = errors.New("ledger unavailable")
)
