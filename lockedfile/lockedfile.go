// Package lockedfile implements the two on-disk primitives everything else
// is built on: an integer counter and an append-only line log, both guarded
// by an exclusive advisory flock held for the duration of a single
// read-modify-write. Writers always rewrite the full content and truncate,
// so readers never observe torn state.
package lockedfile

import (
	"fmt"
	"os"

	"github.com/gofrs/flock"
)

// withLock acquires an exclusive lock on path, creating the file if needed,
// and runs fn while the lock is held.
func withLock(path string, fn func() error) error {
	lock := flock.New(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("locking %s: %w", path, err)
	}
	defer lock.Unlock() //nolint:errcheck // unlock of a held flock

	return fn()
}

// tryWithLock is like withLock but fails if the file does not already exist.
func tryWithLock(path string, fn func() error) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	return withLock(path, fn)
}
