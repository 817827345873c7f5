package vectorstore

import "errors"

var (
	// ErrCollectionNotFound is returned when a named collection does not
	// exist.
	ErrCollectionNotFound = errors.New("vectorstore: collection not found")

	// ErrInvalidName is returned for collection names that fail
	// validation.
	ErrInvalidName = errors.New("vectorstore: invalid collection name")

	// ErrDimensionMismatch is returned when an embedding does not match
	// the store dimension.
	ErrDimensionMismatch = errors.New("vectorstore: embedding dimension mismatch")
)
