package index

import "errors"

// ErrIndexNotReady indicates no snapshot has been built yet. Transient;
// searches can retry after the next reconciliation.
var ErrIndexNotReady = errors.New("index not ready")
