package lockedfile

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ResetCounter initializes the counter at path to v, creating the file if it
// does not exist.
func ResetCounter(path string, v int) error {
	return withLock(path, func() error {
		return os.WriteFile(path, []byte(strconv.Itoa(v)), 0o644)
	})
}

// FetchCounter returns the current value of the counter. It fails if the
// counter file does not exist.
func FetchCounter(path string) (int, error) {
	var v int
	err := tryWithLock(path, func() error {
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		v, err = strconv.Atoi(strings.TrimSpace(string(b)))
		if err != nil {
			return fmt.Errorf("corrupt counter %s: %w", path, err)
		}
		return nil
	})
	return v, err
}

// FetchAndAdd atomically adds delta to the counter and returns the value it
// held before the addition. It fails if the counter file does not exist.
func FetchAndAdd(path string, delta int) (int, error) {
	var pre int
	err := tryWithLock(path, func() error {
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		pre, err = strconv.Atoi(strings.TrimSpace(string(b)))
		if err != nil {
			return fmt.Errorf("corrupt counter %s: %w", path, err)
		}
		return os.WriteFile(path, []byte(strconv.Itoa(pre+delta)), 0o644)
	})
	return pre, err
}

// EnsureCounter makes sure a counter exists at path, initializing it to zero
// on first access.
func EnsureCounter(path string) error {
	if _, err := FetchCounter(path); err == nil {
		return nil
	}
	return ResetCounter(path, 0)
}
