package capnpgj

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// SegmentRange is the half-open word range [Start, End) of one segment
// within a message's single backing buffer.
type SegmentRange struct {
	Start uint64
	End   uint64
}

// Len returns the segment length in words.
func (r SegmentRange) Len() uint64 {
	return r.End - r.Start
}

// Layout describes where each segment of a decoded message lives.
// Ranges are contiguous: the first starts at 0, each starts where the previous
// ends, and the last ends at TotalWords.
type Layout struct {
	TotalWords uint64
	Ranges     []SegmentRange
}

func newLayout(count int, firstLen uint32) *Layout {
	l := &Layout{Ranges: make([]SegmentRange, 0, count)}
	l.add(firstLen)
	return l
}

func (l *Layout) add(words uint32) {
	end := l.TotalWords + uint64(words)
	l.Ranges = append(l.Ranges, SegmentRange{Start: l.TotalWords, End: end})
	l.TotalWords = end
}

// OwnedSegments holds every segment of a decoded message in one word buffer.
// It is independent of the stream it was read from and is never modified
// after construction.
type OwnedSegments struct {
	ranges []SegmentRange
	arena  []uint64
}

var (
	_ ReaderSegments = (*OwnedSegments)(nil)
	_ MessageBuilder = (*OwnedSegments)(nil)
)

func newOwnedSegments(layout *Layout, arena []uint64) *OwnedSegments {
	return &OwnedSegments{ranges: layout.Ranges, arena: arena}
}

// Len returns the number of segments.
func (s *OwnedSegments) Len() int {
	return len(s.ranges)
}

// Segment implements ReaderSegments.
func (s *OwnedSegments) Segment(id uint32) ([]byte, bool) {
	words, ok := s.Words(id)
	if !ok {
		return nil, false
	}
	return wordsAsBytes(words), true
}

// Words returns segment id as words in host byte order. On little-endian
// hosts these equal the wire values.
func (s *OwnedSegments) Words(id uint32) ([]uint64, bool) {
	if uint64(id) >= uint64(len(s.ranges)) {
		return nil, false
	}
	r := s.ranges[id]
	return s.arena[r.Start:r.End:r.End], true
}

// SegmentsForOutput implements MessageBuilder, so a decoded message can be
// written back out unchanged.
func (s *OwnedSegments) SegmentsForOutput() [][]byte {
	out := make([][]byte, len(s.ranges))
	for i, r := range s.ranges {
		out[i] = wordsAsBytes(s.arena[r.Start:r.End:r.End])
	}
	return out
}

// TotalWords returns the size of the backing buffer in words.
func (s *OwnedSegments) TotalWords() int {
	return len(s.arena)
}

// Digest returns an xxHash64 of the segment lengths and contents.
// Messages with the same framing and bytes have the same digest.
func (s *OwnedSegments) Digest() uint64 {
	h := xxhash.New()
	var lenbuf [4]byte
	for _, r := range s.ranges {
		binary.LittleEndian.PutUint32(lenbuf[:], uint32(r.Len()))
		_, _ = h.Write(lenbuf[:])
	}
	_, _ = h.Write(wordsAsBytes(s.arena))
	return h.Sum64()
}
