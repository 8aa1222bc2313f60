// Package aio adapts blocking byte streams to promise-returning reads and writes.
package aio

import (
	"io"

	"github.com/pkg/errors"

	"github.com/dwrensha/capnp-gj/promise"
)

// ErrNotReadable and ErrNotWritable are returned by streams built for one direction only.
var (
	ErrNotReadable = errors.New("aio: stream is not readable")
	ErrNotWritable = errors.New("aio: stream is not writable")
)

// Reader is an asynchronous byte source.
type Reader interface {
	// TryRead reads into buf until at least minBytes are available.
	// The result is below minBytes only if the stream ended first.
	// I/O failures reject the promise with the underlying error.
	TryRead(buf []byte, minBytes int) *promise.Promise[int]
}

// Writer is an asynchronous byte sink.
type Writer interface {
	// Write writes all of buf, or rejects with the underlying error.
	Write(buf []byte) *promise.Promise[int]
}

// ReadWriter groups Reader and Writer.
type ReadWriter interface {
	Reader
	Writer
}

// Stream performs blocking I/O on its own goroutines and settles promises
// on the loop it was created with.
type Stream struct {
	loop *promise.Loop
	r    io.Reader
	w    io.Writer
}

var _ ReadWriter = (*Stream)(nil)

// NewStream returns a stream that reads from and writes to rw.
func NewStream(loop *promise.Loop, rw io.ReadWriter) *Stream {
	return &Stream{loop: loop, r: rw, w: rw}
}

// NewReader returns a read-only stream.
func NewReader(loop *promise.Loop, r io.Reader) *Stream {
	return &Stream{loop: loop, r: r}
}

// NewWriter returns a write-only stream.
func NewWriter(loop *promise.Loop, w io.Writer) *Stream {
	return &Stream{loop: loop, w: w}
}

// TryRead implements Reader.
func (s *Stream) TryRead(buf []byte, minBytes int) *promise.Promise[int] {
	if s.r == nil {
		return promise.Rejected[int](ErrNotReadable)
	}
	if minBytes > len(buf) {
		return promise.Rejected[int](io.ErrShortBuffer)
	}
	return promise.Go(s.loop, func() (int, error) {
		n, err := io.ReadAtLeast(s.r, buf, minBytes)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return n, nil
		}
		return n, err
	})
}

// Write implements Writer.
func (s *Stream) Write(buf []byte) *promise.Promise[int] {
	if s.w == nil {
		return promise.Rejected[int](ErrNotWritable)
	}
	return promise.Go(s.loop, func() (int, error) {
		n, err := s.w.Write(buf)
		if err == nil && n < len(buf) {
			err = io.ErrShortWrite
		}
		return n, err
	})
}
