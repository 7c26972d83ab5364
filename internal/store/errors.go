package store

import "errors"

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrParentNotFound is returned when a new comment references a missing parent.
	ErrParentNotFound = errors.New("parent not found")
	// ErrUnknownKind is returned for a parent or entity kind outside the registry.
	ErrUnknownKind = errors.New("unknown entity kind")
	// ErrIntegrity means the closure table no longer yields exactly one root.
	ErrIntegrity = errors.New("comment tree integrity violated")
)
