// Package persist drains the capture pipe onto disk. A single Worker owns
// the output Sink for the lifetime of a capture.
package persist

import (
	"bufio"
	"fmt"
	"os"
)

// DefaultBufferSize is the output buffer placed in front of the file.
const DefaultBufferSize = 1 << 16

// Sink is an output file behind a large write buffer. It is not safe for
// concurrent use; the Worker is its only writer.
type Sink struct {
	path string
	f    *os.File
	w    *bufio.Writer
}

// Create opens path for writing, truncating any existing file. bufSize <= 0
// uses DefaultBufferSize.
func Create(path string, bufSize int) (*Sink, error) {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output %q: %w", path, err)
	}
	return &Sink{path: path, f: f, w: bufio.NewWriterSize(f, bufSize)}, nil
}

// Path returns the file path the sink writes to.
func (s *Sink) Path() string { return s.path }

// Write appends b to the buffered output.
func (s *Sink) Write(b []byte) (int, error) {
	return s.w.Write(b)
}

// Close flushes buffered bytes and closes the file. The first error wins.
func (s *Sink) Close() error {
	flushErr := s.w.Flush()
	closeErr := s.f.Close()
	if flushErr != nil {
		return fmt.Errorf("flush output %q: %w", s.path, flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close output %q: %w", s.path, closeErr)
	}
	return nil
}
