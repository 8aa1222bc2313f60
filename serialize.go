package capnpgj

import (
	"github.com/pkg/errors"

	"github.com/dwrensha/capnp-gj/aio"
	"github.com/dwrensha/capnp-gj/promise"
)

// TryReadMessage reads one message from r.
//
// The promise resolves to nil if the stream ends before the first byte of a
// segment table, which is the normal end of a message stream. Any other short
// read fails with ErrPrematureEOF. Errors from r are passed through unchanged.
func TryReadMessage(r aio.Reader, opts ReaderOptions) *promise.Promise[*MessageReader] {
	return promise.Then(tryReadSegmentTable(r, opts), func(layout *Layout) *promise.Promise[*MessageReader] {
		if layout == nil {
			return promise.Fulfilled[*MessageReader](nil)
		}
		return readSegments(r, layout, opts)
	})
}

// ReadMessage reads one message from r. Unlike TryReadMessage, a stream that
// has already ended fails with ErrPrematureEOF.
func ReadMessage(r aio.Reader, opts ReaderOptions) *promise.Promise[*MessageReader] {
	return promise.Map(TryReadMessage(r, opts), func(m *MessageReader) (*MessageReader, error) {
		if m == nil {
			return nil, errors.Wrap(ErrPrematureEOF, "read message: stream ended before segment table")
		}
		return m, nil
	})
}

// WriteMessage writes the segment table and segments of b to w, one write at
// a time, and resolves to b once the last segment has been written.
// b must not change while the write is in progress.
func WriteMessage[B MessageBuilder](w aio.Writer, b B) *promise.Promise[B] {
	table, err := AppendSegmentTable(nil, b.SegmentsForOutput())
	if err != nil {
		return promise.Rejected[B](errors.Wrap(err, "write segment table"))
	}
	return promise.Then(w.Write(table), func(int) *promise.Promise[B] {
		return writeSegments(w, b, 0)
	})
}

func tryReadSegmentTable(r aio.Reader, opts ReaderOptions) *promise.Promise[*Layout] {
	buf := make([]byte, WordSize)
	return promise.Then(r.TryRead(buf, WordSize), func(n int) *promise.Promise[*Layout] {
		if n == 0 {
			return promise.Fulfilled[*Layout](nil)
		}
		if n < WordSize {
			return promise.Rejected[*Layout](errors.Wrapf(ErrPrematureEOF, "read segment table: got %d of %d bytes", n, WordSize))
		}

		count, layout, err := parseFirstWord(buf)
		if err != nil {
			return promise.Rejected[*Layout](errors.Wrap(err, "read segment table"))
		}
		if count == 1 {
			return checkedLayout(layout, opts)
		}

		rest := buf
		if size := remainingTableSize(count); size != len(buf) {
			rest = make([]byte, size)
		}
		return promise.Then(r.TryRead(rest, len(rest)), func(n int) *promise.Promise[*Layout] {
			if n < len(rest) {
				return promise.Rejected[*Layout](errors.Wrapf(ErrPrematureEOF, "read segment table: got %d of %d bytes", WordSize+n, WordSize+len(rest)))
			}
			layout.appendLengths(rest, count)
			return checkedLayout(layout, opts)
		})
	})
}

func checkedLayout(layout *Layout, opts ReaderOptions) *promise.Promise[*Layout] {
	if err := layout.checkSize(opts); err != nil {
		return promise.Rejected[*Layout](errors.Wrap(err, "read segment table"))
	}
	return promise.Fulfilled(layout)
}

func readSegments(r aio.Reader, layout *Layout, opts ReaderOptions) *promise.Promise[*MessageReader] {
	arena := make([]uint64, layout.TotalWords)
	buf := wordsAsBytes(arena)
	return promise.Map(r.TryRead(buf, len(buf)), func(n int) (*MessageReader, error) {
		if n < len(buf) {
			return nil, errors.Wrapf(ErrPrematureEOF, "read segments: got %d of %d bytes", n, len(buf))
		}
		return NewMessageReader(newOwnedSegments(layout, arena), opts), nil
	})
}

func writeSegments[B MessageBuilder](w aio.Writer, b B, idx int) *promise.Promise[B] {
	segments := b.SegmentsForOutput()
	if idx >= len(segments) {
		return promise.Fulfilled(b)
	}
	return promise.Then(w.Write(segments[idx]), func(int) *promise.Promise[B] {
		return writeSegments(w, b, idx+1)
	})
}
