package lockedfile

import (
	"os"
	"strings"
)

// Push appends line (plus a trailing newline) to the log at path under an
// exclusive lock, creating the file if needed.
func Push(path, line string) error {
	return withLock(path, func() error {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		if _, err := f.WriteString(line + "\n"); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
}

// Pop removes and returns the first line of the log at path, rewriting the
// remainder in place. A missing or empty log reports ok=false without error.
func Pop(path string) (line string, ok bool, err error) {
	if _, serr := os.Stat(path); serr != nil {
		return "", false, nil
	}
	err = withLock(path, func() error {
		b, rerr := os.ReadFile(path)
		if rerr != nil {
			return rerr
		}
		content := string(b)
		if content == "" {
			return nil
		}
		head, rest, found := strings.Cut(content, "\n")
		if !found {
			rest = ""
		}
		// Trailing NULs can appear after a torn append on some network
		// filesystems; strip them from the popped entry.
		line = strings.TrimRight(head, "\x00")
		ok = line != ""
		return os.WriteFile(path, []byte(rest), 0o644)
	})
	if err != nil {
		return "", false, err
	}
	return line, ok, nil
}
