package statestore

import "errors"

// Sentinel errors for state store operations. Check with errors.Is.
var (
	// ErrNotFound is returned by Get for a key that has never been written.
	ErrNotFound = errors.New("statestore: state not found")

	// ErrInvalidKey is returned for empty keys and malformed object keys.
	ErrInvalidKey = errors.New("statestore: invalid key")

	// ErrInvalidValue is returned for nil values and values that cannot be
	// encoded as JSON.
	ErrInvalidValue = errors.New("statestore: invalid value")

	// ErrInvalidPattern is returned for empty subscription patterns.
	ErrInvalidPattern = errors.New("statestore: invalid pattern")
)
