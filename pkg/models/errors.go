package models

import "errors"

// Error taxonomy shared by every store and component. Callers wrap these with
// fmt.Errorf("...: %w", err) and test them with errors.Is.
var (
	// ErrNotFound: the entity, case or action id does not exist. Never retried.
	ErrNotFound = errors.New("not found")
	// ErrConflict: a uniqueness rule or state transition was violated.
	ErrConflict = errors.New("conflict")
	// ErrValidation: malformed input rejected before any mutation.
	ErrValidation = errors.New("validation failed")
	// ErrTransient: store I/O failure worth retrying for the same record or page.
	ErrTransient = errors.New("transient store failure")
)
