// Package apperr holds the error kinds shared by the workflow packages.
// Callers wrap a kind with context and test for it with errors.Is.
package apperr

import "errors"

var (
	// ErrValidation signals malformed or insufficient input. Nothing was written.
	ErrValidation = errors.New("validation failed")
	// ErrStateConflict signals an operation the current status does not permit.
	ErrStateConflict = errors.New("state conflict")
	// ErrNotFound signals the referenced entity does not exist for the tenant.
	ErrNotFound = errors.New("not found")
	// ErrPersistence signals a store failure; the surrounding transaction was rolled back.
	ErrPersistence = errors.New("persistence failure")
)

// Kind returns the sentinel err wraps, or nil for unclassified errors.
func Kind(err error) error {
	for _, kind := range []error{ErrValidation, ErrStateConflict, ErrNotFound, ErrPersistence} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
