package capnpgj

import "unsafe"

// WordSize is the size in bytes of a word, the unit all segment lengths are counted in.
const WordSize = 8

// Default reader limits.
const (
	// DefaultTraversalLimitInWords bounds how many words a reader may visit (64 MiB).
	DefaultTraversalLimitInWords = 8 * 1024 * 1024
	// DefaultNestingLimit bounds pointer nesting depth.
	DefaultNestingLimit = 64
)

// ReaderSegments is the interface for indexable segment data backing a message reader.
type ReaderSegments interface {
	// Segment returns the raw bytes of segment id, or false if there is no such segment.
	Segment(id uint32) ([]byte, bool)
}

// MessageBuilder is the interface for messages that can be written to a stream.
// Implementations should return the same segments, unchanged, for as long as
// a write is in progress.
type MessageBuilder interface {
	// SegmentsForOutput returns the message's segments in order.
	// Each segment's length must be a multiple of WordSize.
	SegmentsForOutput() [][]byte
}

// ReaderOptions control how a decoded message may be read.
type ReaderOptions struct {
	// TraversalLimitInWords limits the total words a reader may traverse.
	TraversalLimitInWords uint64
	// NestingLimit limits how deeply nested a message structure can be.
	NestingLimit int
	// FramingLimitInWords rejects messages whose segment table declares more
	// words than this, before any body buffer is allocated. Zero means no limit.
	FramingLimitInWords uint64
}

// DefaultReaderOptions returns the default reader limits with no framing limit.
func DefaultReaderOptions() ReaderOptions {
	return ReaderOptions{
		TraversalLimitInWords: DefaultTraversalLimitInWords,
		NestingLimit:          DefaultNestingLimit,
	}
}

// MessageReader is a read-only view of a message over its segments.
type MessageReader struct {
	segments ReaderSegments
	options  ReaderOptions
}

// NewMessageReader creates a reader over segments. The options are kept as given.
func NewMessageReader(segments ReaderSegments, options ReaderOptions) *MessageReader {
	return &MessageReader{segments: segments, options: options}
}

// Segment returns the bytes of segment id.
func (m *MessageReader) Segment(id uint32) ([]byte, bool) {
	return m.segments.Segment(id)
}

// SegmentCount returns the number of segments in the message.
func (m *MessageReader) SegmentCount() int {
	if c, ok := m.segments.(interface{ Len() int }); ok {
		return c.Len()
	}
	n := 0
	for {
		if _, ok := m.segments.Segment(uint32(n)); !ok {
			return n
		}
		n++
	}
}

// Segments returns the segment source the reader was built on.
func (m *MessageReader) Segments() ReaderSegments {
	return m.segments
}

// Options returns the reader's options.
func (m *MessageReader) Options() ReaderOptions {
	return m.options
}

// Builder is a MessageBuilder whose segments are word slices it owns.
// The zero value is an empty builder.
type Builder struct {
	segments [][]uint64
}

var _ MessageBuilder = (*Builder)(nil)

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// AddSegment appends words as a new segment and returns its index.
// The builder takes ownership of words.
func (b *Builder) AddSegment(words []uint64) int {
	b.segments = append(b.segments, words)
	return len(b.segments) - 1
}

// AllocateSegment appends a zeroed segment of n words and returns it for filling in.
func (b *Builder) AllocateSegment(n int) []uint64 {
	words := make([]uint64, n)
	b.AddSegment(words)
	return words
}

// SegmentCount returns the number of segments added so far.
func (b *Builder) SegmentCount() int {
	return len(b.segments)
}

// SegmentsForOutput implements MessageBuilder. The returned slices alias the
// builder's words; a fresh set of views is built on every call.
func (b *Builder) SegmentsForOutput() [][]byte {
	out := make([][]byte, len(b.segments))
	for i, words := range b.segments {
		out[i] = wordsAsBytes(words)
	}
	return out
}

// wordsAsBytes views words as bytes in host byte order without copying.
func wordsAsBytes(words []uint64) []byte {
	if len(words) == 0 {
		return []byte{}
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(words))), len(words)*WordSize)
}
