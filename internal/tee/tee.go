// Package tee multiplexes a stream into a log file and a caller-supplied
// writer, so job and install output lands on disk and on the terminal at the
// same time.
package tee

import (
	"io"
	"os"
	"path/filepath"
)

type Tee struct {
	file *os.File
	out  io.Writer
}

// New opens (or creates, truncating) the log file at path. When out is nil,
// output only goes to the file.
func New(path string, out io.Writer) (*Tee, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &Tee{file: f, out: out}, nil
}

// Writer returns the multiplexed writer.
func (t *Tee) Writer() io.Writer {
	if t.out == nil {
		return t.file
	}
	return io.MultiWriter(t.file, t.out)
}

// Close flushes and closes the log file.
func (t *Tee) Close() error {
	return t.file.Close()
}
