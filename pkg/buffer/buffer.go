// Package buffer accumulates the raw bytes of an HTTP/1.1 request or
// response head — request/status line plus headers — so a caller that
// needs the literal, unparsed text (pkg/auth's secret scan) can read it
// back after the parser has moved on. Heads are bounded (see
// maxHeaderBytes in pkg/frame), but a buffer spills to a temp file past
// its limit rather than trusting that bound absolutely.
package buffer

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/wrpc/wrpc/pkg/errors"
)

// DefaultLimit is the in-memory threshold before a Buffer spills to disk.
const DefaultLimit = 64 * 1024

// Buffer holds written bytes in memory up to limit, then spools the rest
// to a temporary file.
type Buffer struct {
	buf   bytes.Buffer
	file  *os.File
	path  string
	limit int64
	mu    sync.Mutex
	closed bool
}

// New creates a Buffer that spills to disk past limit bytes.
func New(limit int64) *Buffer {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Buffer{limit: limit}
}

// Write appends p, spilling to a temp file once the in-memory threshold
// is crossed.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, errors.NewIOError("buffer is closed", nil)
	}

	if b.file == nil && int64(b.buf.Len()+len(p)) <= b.limit {
		return b.buf.Write(p)
	}

	if b.file == nil {
		tmp, err := os.CreateTemp("", "wrpc-buffer-*.tmp")
		if err != nil {
			return 0, errors.NewIOError("creating temp file", err)
		}
		b.file = tmp
		b.path = tmp.Name()
		if b.buf.Len() > 0 {
			if _, err := tmp.Write(b.buf.Bytes()); err != nil {
				b.closeLocked()
				return 0, errors.NewIOError("writing to temp file", err)
			}
		}
		b.buf.Reset()
	}

	n, err := b.file.Write(p)
	if err != nil {
		return n, errors.NewIOError("writing to temp file", err)
	}
	return n, nil
}

// Reader returns a fresh reader over everything written so far. The
// caller must Close it.
func (b *Buffer) Reader() (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.NewIOError("buffer is closed", nil)
	}

	if b.file != nil {
		if err := b.file.Sync(); err != nil {
			return nil, errors.NewIOError("syncing temp file", err)
		}
		f, err := os.Open(b.path)
		if err != nil {
			return nil, errors.NewIOError("opening temp file for reading", err)
		}
		return f, nil
	}

	return io.NopCloser(bytes.NewReader(b.buf.Bytes())), nil
}

// Close releases the backing temp file, if any. Safe to call more than
// once.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeLocked()
}

func (b *Buffer) closeLocked() error {
	if b.closed {
		return nil
	}
	b.closed = true

	if b.file != nil {
		err := b.file.Close()
		if removeErr := os.Remove(b.path); removeErr != nil && err == nil {
			err = errors.NewIOError("removing temp file", removeErr)
		}
		b.file = nil
		b.path = ""
		if err != nil {
			return errors.NewIOError("closing temp file", err)
		}
	}
	return nil
}
