package record

import "errors"

var (
	// ErrStoreUnavailable indicates the backing database cannot be reached.
	// Transient; callers may retry with backoff.
	ErrStoreUnavailable = errors.New("record store unavailable")

	// ErrIntegrity indicates a constraint violation. The batch that caused it
	// is aborted and must not be retried automatically.
	ErrIntegrity = errors.New("record integrity violation")

	// ErrNotFound indicates a single-entity lookup missed. Batch metadata
	// joins filter missing ids silently instead of returning this.
	ErrNotFound = errors.New("record not found")
)
