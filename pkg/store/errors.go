package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("store: not found")

	// ErrTransient marks failures worth retrying: serialization conflicts,
	// deadlocks, dropped connections, lost optimistic version races.
	ErrTransient = errors.New("store: transient failure")

	// ErrVersionMismatch is returned when a Transition's ExpectedVersion no
	// longer matches. Unlike a lost race it is not retried.
	ErrVersionMismatch = errors.New("store: version mismatch")

	ErrUnsupported = errors.New("store: unsupported")
)

// transient wraps err so that errors.Is(err, ErrTransient) holds while the
// original cause stays reachable.
func transient(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
