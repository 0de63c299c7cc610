package storage

import "errors"

var (
	// ErrNotFound is returned when a requested item is not found in storage
	ErrNotFound = errors.New("item not found")

	// ErrStoreClosed is returned when attempting to use a closed storage instance
	ErrStoreClosed = errors.New("storage is closed")

	// ErrInvalidRecord is returned when a record fails basic validation
	ErrInvalidRecord = errors.New("invalid record")
)
