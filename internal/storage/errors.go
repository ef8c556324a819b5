package storage

import "errors"

// Storage errors shared by all store implementations.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when attempting to insert a record
	// with a key that already exists.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrPreconditionFailed is returned by conditional writes whose
	// precondition did not hold. The write applied nothing.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrVersionConflict is returned by compare-and-set writes when the
	// stored version no longer matches the expected one.
	ErrVersionConflict = errors.New("version conflict")
)
