package domain

import "errors"

// Domain errors represent business logic failures.
// These are distinct from infrastructure errors.
var (
	// ErrNotFound indicates a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates malformed or invalid input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrMissingConfig indicates required configuration is absent.
	// Runs must not start without it.
	ErrMissingConfig = errors.New("missing required configuration")

	// Authentication Errors.

	// ErrAuthInvalid indicates the supplied credential is invalid.
	ErrAuthInvalid = errors.New("authentication invalid")

	// ErrAuthExpired indicates the supplied credential has expired.
	// The token is provided pre-obtained; there is no refresh path, so
	// this aborts the run.
	ErrAuthExpired = errors.New("authentication expired")

	// Per-document Errors. These are absorbed into error rows and never
	// abort a run.

	// ErrUnparseable indicates a document body could not be parsed,
	// even after sanitization.
	ErrUnparseable = errors.New("unparseable document body")

	// ErrNoLines indicates a document yielded no line items, directly
	// or after following its references.
	ErrNoLines = errors.New("no lines found")

	// Listing Errors.

	// ErrTooManyPages indicates the listing endpoint paged past the
	// hard cap without terminating.
	ErrTooManyPages = errors.New("too many listing pages")
)
