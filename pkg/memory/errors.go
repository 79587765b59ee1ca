package memory

import "errors"

var (
	// ErrDuplicateKey is returned when an insert-if-absent finds the key taken.
	// Callers treat it as success.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrNotFound indicates the referenced message or record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrCapabilityUnavailable wraps summarization or vision failures and timeouts.
	ErrCapabilityUnavailable = errors.New("capability unavailable")
)
