package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a session or a referenced record does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrConflict indicates a write that conflicts with the stored data.
	// Backends return it for duplicate identifiers and for writes that lost
	// a race against a concurrent unit of work.
	ErrConflict = errors.New("session conflict")
	// ErrDuplicateSession indicates CreateSession was given an id that is
	// already in use. It wraps ErrConflict.
	ErrDuplicateSession = fmt.Errorf("%w: session already exists", ErrConflict)
	// ErrStaleSession indicates AppendEvent was called with a session whose
	// last update time is older than the stored one. Callers must reload the
	// session and retry. It wraps ErrConflict.
	ErrStaleSession = fmt.Errorf("%w: stale session", ErrConflict)
	// ErrUnavailable indicates the backing store cannot be reached.
	ErrUnavailable = errors.New("backing store unavailable")
)
