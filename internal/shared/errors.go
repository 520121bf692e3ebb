package shared

import "errors"

var (
	// ErrNotFound indicates a referenced cost center, closing, or rule does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a uniqueness violation, e.g. a closing already
	// exists for the (cost center, period) pair.
	ErrConflict = errors.New("conflict")
	// ErrInvalidState indicates an operation not allowed in the entity's
	// current lifecycle state, e.g. editing an approved closing.
	ErrInvalidState = errors.New("invalid state")
	// ErrValidation indicates input that failed a domain validation rule.
	ErrValidation = errors.New("validation failed")
)
