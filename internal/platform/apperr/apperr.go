// Package apperr holds the sentinel errors shared across the service.
// Callers classify failures with errors.Is and wrap context with %w.
package apperr

import "errors"

var (
	// ErrNotFound signals an unknown scope, task, document or entity id.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition signals an illegal task state change.
	ErrInvalidTransition = errors.New("invalid task transition")
	// ErrInvalidState signals an operation attempted against a task that is
	// already terminal.
	ErrInvalidState = errors.New("invalid task state")
	// ErrDuplicateName signals a scope name collision.
	ErrDuplicateName = errors.New("duplicate name")
	// ErrValidation signals malformed input to a create/update call.
	ErrValidation = errors.New("validation failed")
	// ErrStoreUnavailable signals a graph-store connectivity problem. Read
	// paths degrade to empty results carrying this as a diagnostic; write
	// paths propagate it.
	ErrStoreUnavailable = errors.New("graph store unavailable")
	// ErrExtractionTimeout signals the extraction engine ran past its
	// wall-clock budget.
	ErrExtractionTimeout = errors.New("extraction timed out")
	// ErrExtractionFailure wraps an opaque upstream extraction error.
	ErrExtractionFailure = errors.New("extraction failed")
)
