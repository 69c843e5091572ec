package trouble

import "errors"

// Error taxonomy per spec §7. Duplicate/NotFound are not failures for the
// caller in the sense of Go errors — Add/Clear/Acknowledge surface them via
// zero-value returns, and no function returns ErrDuplicate or ErrNotFound.
// ErrInvalidInput is the one that is returned (wrapped), by the
// persistence adapter when a device trouble has no owner_uri.
var (
	ErrDuplicate    = errors.New("trouble: duplicate insert rejected by dedup")
	ErrNotFound     = errors.New("trouble: no matching trouble")
	ErrInvalidInput = errors.New("trouble: invalid input")
)
