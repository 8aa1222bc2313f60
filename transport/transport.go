// Package transport applies an optional byte encoding, such as word packing
// or stream compression, between a connection and the segment framing.
package transport

import (
	"bufio"
	"io"
	"sync"

	"capnproto.org/go/capnp/v3/packed"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// Transport is a byte stream with an encoding applied in both directions.
type Transport interface {
	io.Reader
	io.Writer
	// Flush pushes buffered bytes to the underlying stream. Call it after each message.
	Flush() error
	// Close flushes and finalizes the encoder. It does not close the underlying stream.
	Close() error
}

// Wrap applies kind to rw. Decoders are created on first read, so Wrap never
// blocks waiting for the peer.
func Wrap(rw io.ReadWriter, kind Kind) (Transport, error) {
	s := &stream{}
	switch kind {
	case Raw:
		s.r = rw
		s.w = newBufferedWriter(rw)
	case Packed:
		s.r = &lazyReader{open: func() (io.Reader, error) {
			return packed.NewReader(bufio.NewReader(rw)), nil
		}}
		s.w = &packedWriter{w: rw}
	case Zstd:
		enc, err := zstd.NewWriter(rw, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, errors.Wrap(err, "transport: zstd encoder")
		}
		s.w = enc
		s.r = &lazyReader{open: func() (io.Reader, error) {
			dec, err := zstd.NewReader(rw, zstd.WithDecoderConcurrency(1))
			if err != nil {
				return nil, errors.Wrap(err, "transport: zstd decoder")
			}
			return dec, nil
		}}
	case S2:
		s.w = s2.NewWriter(rw)
		s.r = &lazyReader{open: func() (io.Reader, error) {
			return s2.NewReader(rw), nil
		}}
	case LZ4:
		s.w = lz4.NewWriter(rw)
		s.r = &lazyReader{open: func() (io.Reader, error) {
			return lz4.NewReader(rw), nil
		}}
	default:
		return nil, errors.Wrapf(ErrUnknownKind, "%d", uint8(kind))
	}
	s.kind = kind
	return s, nil
}

// flushWriter is the writer half of every encoding.
type flushWriter interface {
	io.Writer
	Flush() error
	Close() error
}

type stream struct {
	kind Kind
	r    io.Reader
	w    flushWriter

	closeOnce sync.Once
	closeErr  error
}

func (s *stream) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

func (s *stream) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

func (s *stream) Flush() error {
	if err := s.w.Flush(); err != nil {
		return errors.Wrapf(err, "transport: flush %s", s.kind)
	}
	return nil
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		if err := s.w.Close(); err != nil {
			s.closeErr = errors.Wrapf(err, "transport: close %s", s.kind)
		}
		if lr, ok := s.r.(*lazyReader); ok {
			lr.release()
		}
	})
	return s.closeErr
}

// bufferedWriter coalesces a message's table and segment writes.
type bufferedWriter struct {
	*bufio.Writer
}

func newBufferedWriter(w io.Writer) *bufferedWriter {
	return &bufferedWriter{Writer: bufio.NewWriter(w)}
}

func (b *bufferedWriter) Close() error {
	return b.Flush()
}

// packedFlushSize is how many unpacked bytes packedWriter holds before
// packing without a Flush.
const packedFlushSize = 4096

// ErrUnalignedFlush is returned when a packed stream is flushed in the middle
// of a word.
var ErrUnalignedFlush = errors.New("transport: packed flush is not word aligned")

// packedWriter packs whole words only. packed.Writer reports the packed
// length from Write, which bufio treats as a short write.
type packedWriter struct {
	w   io.Writer
	buf []byte
	out []byte
}

func (p *packedWriter) Write(b []byte) (int, error) {
	p.buf = append(p.buf, b...)
	if len(p.buf) >= packedFlushSize {
		if err := p.pack(); err != nil {
			return 0, err
		}
	}
	return len(b), nil
}

// pack writes the aligned prefix of buf and keeps the remainder.
func (p *packedWriter) pack() error {
	n := len(p.buf) &^ 7
	if n == 0 {
		return nil
	}
	p.out = packed.Pack(p.out[:0], p.buf[:n])
	if _, err := p.w.Write(p.out); err != nil {
		return err
	}
	p.buf = p.buf[:copy(p.buf, p.buf[n:])]
	return nil
}

func (p *packedWriter) Flush() error {
	if err := p.pack(); err != nil {
		return err
	}
	if len(p.buf) != 0 {
		return ErrUnalignedFlush
	}
	return nil
}

func (p *packedWriter) Close() error {
	return p.Flush()
}

// lazyReader opens its decoder on the first Read.
type lazyReader struct {
	mu   sync.Mutex
	open func() (io.Reader, error)
	r    io.Reader
	err  error
}

func (l *lazyReader) Read(p []byte) (int, error) {
	l.mu.Lock()
	if l.r == nil && l.err == nil {
		l.r, l.err = l.open()
	}
	r, err := l.r, l.err
	l.mu.Unlock()

	if err != nil {
		return 0, err
	}
	return r.Read(p)
}

// release frees decoder resources, such as zstd's, that are held until closed.
func (l *lazyReader) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.r.(interface{ Close() }); ok {
		c.Close()
	}
}
