package capnpgj

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// MaxSegments is the exclusive upper bound on a message's segment count.
// It keeps a hostile header from forcing large allocations.
const MaxSegments = 512

// maxArenaWords is the largest word count that can be allocated as one []uint64.
const maxArenaWords = uint64(math.MaxInt / WordSize)

// HeaderSize returns the segment table size in bytes for n segments:
// n+1 four-byte fields, padded to a whole word.
func HeaderSize(n int) int {
	return ((n + 2) &^ 1) * 4
}

// parseFirstWord decodes the first word of a segment table into the segment
// count and a layout holding segment 0.
func parseFirstWord(word []byte) (int, *Layout, error) {
	count := binary.LittleEndian.Uint32(word[0:4]) + 1
	if count == 0 || count >= MaxSegments {
		return 0, nil, &SegmentCountError{Count: count}
	}
	return int(count), newLayout(int(count), binary.LittleEndian.Uint32(word[4:8])), nil
}

// remainingTableSize returns how many table bytes follow the first word for
// count segments: count-1 length fields rounded up to an even number.
func remainingTableSize(count int) int {
	return 4 * (count &^ 1)
}

// appendLengths adds segments 1..count-1 from the rest of the table.
// A trailing padding field is ignored.
func (l *Layout) appendLengths(rest []byte, count int) {
	for i := 0; i < count-1; i++ {
		l.add(binary.LittleEndian.Uint32(rest[i*4 : i*4+4]))
	}
}

// checkSize enforces the addressable size and the caller's framing limit.
func (l *Layout) checkSize(opts ReaderOptions) error {
	if l.TotalWords > maxArenaWords {
		return errors.Wrapf(ErrMessageTooLarge, "%d words", l.TotalWords)
	}
	if opts.FramingLimitInWords > 0 && l.TotalWords > opts.FramingLimitInWords {
		return errors.Wrapf(ErrMessageTooLarge, "%d words exceeds limit of %d", l.TotalWords, opts.FramingLimitInWords)
	}
	return nil
}

// AppendSegmentTable appends the segment table describing segments to dst.
// The table occupies HeaderSize(len(segments)) bytes; the padding field, if
// any, is zero.
func AppendSegmentTable(dst []byte, segments [][]byte) ([]byte, error) {
	n := len(segments)
	if n == 0 || n >= MaxSegments {
		return dst, &SegmentCountError{Count: uint32(n)}
	}

	start := len(dst)
	dst = append(dst, make([]byte, HeaderSize(n))...)
	table := dst[start:]

	binary.LittleEndian.PutUint32(table[0:4], uint32(n-1))
	for i, seg := range segments {
		if len(seg)%WordSize != 0 {
			return dst[:start], errors.Wrapf(ErrUnalignedSegment, "segment %d has %d bytes", i, len(seg))
		}
		words := uint64(len(seg) / WordSize)
		if words > math.MaxUint32 {
			return dst[:start], errors.Wrapf(ErrSegmentTooLarge, "segment %d has %d words", i, words)
		}
		off := (i + 1) * 4
		binary.LittleEndian.PutUint32(table[off:off+4], uint32(words))
	}
	return dst, nil
}
