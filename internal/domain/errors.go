package domain

import "errors"

// Shared error taxonomy. Primary entity writes propagate these to the caller;
// background maintenance logs and swallows instead.
var (
	// ErrNotFound indicates a referenced plan, device, location, or stamp is missing.
	ErrNotFound = errors.New("tally: not found")
	// ErrInvalidInput indicates malformed input, such as a polygon with fewer
	// than three unique vertices or a rectangle with non-positive dimensions.
	ErrInvalidInput = errors.New("tally: invalid input")
	// ErrAlreadyExists indicates a uniqueness violation.
	ErrAlreadyExists = errors.New("tally: already exists")
	// ErrForeignKeyViolation indicates a write references a nonexistent parent row.
	ErrForeignKeyViolation = errors.New("tally: foreign key violation")
	// ErrOptimisticLockConflict indicates a stamp update carried a stale
	// last-observed timestamp.
	ErrOptimisticLockConflict = errors.New("tally: optimistic lock conflict")
	// ErrStorage wraps any underlying storage failure.
	ErrStorage = errors.New("tally: storage error")
)
