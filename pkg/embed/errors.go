package embed

import "errors"

var (
	// ErrEmbeddingFailure indicates the provider could not produce a vector.
	// Only the triggering request is aborted; the record stays pending.
	ErrEmbeddingFailure = errors.New("embedding failure")

	// ErrEmbeddingTimeout indicates the provider did not answer within the
	// configured deadline.
	ErrEmbeddingTimeout = errors.New("embedding timeout")

	// ErrInvalidArgument indicates a caller error such as an empty vector set
	// or mismatched dimensions.
	ErrInvalidArgument = errors.New("invalid argument")
)
