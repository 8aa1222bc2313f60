package capnpgj

import (
	"fmt"

	"github.com/pkg/errors"
)

// Framing errors. Match them with errors.Is; the returned errors carry
// context about where in the pipeline they occurred.
var (
	// ErrPrematureEOF is returned when the stream ends inside a message, or
	// when a message was required but the stream had already ended.
	ErrPrematureEOF = errors.New("premature EOF")
	// ErrInvalidSegmentCount is returned for a segment count of zero or of
	// MaxSegments or more.
	ErrInvalidSegmentCount = errors.New("invalid segment count")
	// ErrMessageTooLarge is returned when a segment table declares more words
	// than the framing limit allows or than can be addressed.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrUnalignedSegment is returned when a builder segment is not a whole number of words.
	ErrUnalignedSegment = errors.New("segment is not word-aligned")
	// ErrSegmentTooLarge is returned when a builder segment has more words than fit in a table entry.
	ErrSegmentTooLarge = errors.New("segment too large")
)

// SegmentCountError reports the segment count found in a rejected segment table.
type SegmentCountError struct {
	// Count is the decoded segment count, after wraparound.
	Count uint32
}

func (e *SegmentCountError) Error() string {
	return fmt.Sprintf("%v: %d", ErrInvalidSegmentCount, e.Count)
}

// Is makes SegmentCountError match ErrInvalidSegmentCount.
func (e *SegmentCountError) Is(target error) bool {
	return target == ErrInvalidSegmentCount
}
