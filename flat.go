package capnpgj

import (
	"github.com/pkg/errors"
)

// SerializedSize returns the number of bytes WriteMessage or Marshal produce for b.
func SerializedSize(b MessageBuilder) (int, error) {
	segments := b.SegmentsForOutput()
	n := len(segments)
	if n == 0 || n >= MaxSegments {
		return 0, &SegmentCountError{Count: uint32(n)}
	}
	size := HeaderSize(n)
	for _, seg := range segments {
		size += len(seg)
	}
	return size, nil
}

// Marshal returns the segment table of b followed by its segments.
func Marshal(b MessageBuilder) ([]byte, error) {
	size, err := SerializedSize(b)
	if err != nil {
		return nil, errors.Wrap(err, "marshal")
	}
	segments := b.SegmentsForOutput()
	buf, err := AppendSegmentTable(make([]byte, 0, size), segments)
	if err != nil {
		return nil, errors.Wrap(err, "marshal")
	}
	for _, seg := range segments {
		buf = append(buf, seg...)
	}
	return buf, nil
}

// Unmarshal decodes one message from data, which must start with a segment
// table. The segments are copied into a buffer owned by the returned reader.
// Bytes after the message are ignored.
func Unmarshal(data []byte, opts ReaderOptions) (*MessageReader, error) {
	if len(data) < WordSize {
		return nil, errors.Wrapf(ErrPrematureEOF, "unmarshal: got %d of %d table bytes", len(data), WordSize)
	}
	count, layout, err := parseFirstWord(data)
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal")
	}
	data = data[WordSize:]

	if count > 1 {
		size := remainingTableSize(count)
		if len(data) < size {
			return nil, errors.Wrapf(ErrPrematureEOF, "unmarshal: got %d of %d table bytes", WordSize+len(data), WordSize+size)
		}
		layout.appendLengths(data[:size], count)
		data = data[size:]
	}
	if err := layout.checkSize(opts); err != nil {
		return nil, errors.Wrap(err, "unmarshal")
	}

	if bodyLen := layout.TotalWords * WordSize; uint64(len(data)) < bodyLen {
		return nil, errors.Wrapf(ErrPrematureEOF, "unmarshal: got %d of %d segment bytes", len(data), bodyLen)
	}
	arena := make([]uint64, layout.TotalWords)
	copy(wordsAsBytes(arena), data)
	return NewMessageReader(newOwnedSegments(layout, arena), opts), nil
}
