package query

import "errors"

// ErrInvalidQuery indicates a blank or otherwise unusable query string.
var ErrInvalidQuery = errors.New("invalid query")
