package capnpgj

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwrensha/capnp-gj/aio"
	"github.com/dwrensha/capnp-gj/promise"
	"github.com/dwrensha/capnp-gj/transport"
)

var errBoom = errors.New("boom")

// rawBuilder is a MessageBuilder over arbitrary byte slices.
type rawBuilder [][]byte

func (b rawBuilder) SegmentsForOutput() [][]byte { return b }

// failingReader yields data, then fails with err.
type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errBoom }

func startLoop(t *testing.T) *promise.Loop {
	t.Helper()

	loop := promise.NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = loop.Run(ctx) }()
	t.Cleanup(cancel)
	return loop
}

func testCtx(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func le(words ...uint64) []byte {
	b := make([]byte, 0, len(words)*WordSize)
	for _, w := range words {
		b = binary.LittleEndian.AppendUint64(b, w)
	}
	return b
}

func le32(vals ...uint32) []byte {
	b := make([]byte, 0, len(vals)*4)
	for _, v := range vals {
		b = binary.LittleEndian.AppendUint32(b, v)
	}
	return b
}

func tryRead(t *testing.T, loop *promise.Loop, r io.Reader, opts ReaderOptions) (*MessageReader, error) {
	t.Helper()
	return TryReadMessage(aio.NewReader(loop, r), opts).Wait(testCtx(t))
}

func read(t *testing.T, loop *promise.Loop, r io.Reader, opts ReaderOptions) (*MessageReader, error) {
	t.Helper()
	return ReadMessage(aio.NewReader(loop, r), opts).Wait(testCtx(t))
}

func owned(t *testing.T, m *MessageReader) *OwnedSegments {
	t.Helper()
	s, ok := m.Segments().(*OwnedSegments)
	require.True(t, ok)
	return s
}

func TestReadMessage_SingleSegment(t *testing.T) {
	loop := startLoop(t)
	data := append([]byte{0, 0, 0, 0, 2, 0, 0, 0}, le(0x1111111111111111, 0x2222222222222222)...)

	m, err := read(t, loop, bytes.NewReader(data), DefaultReaderOptions())
	require.NoError(t, err)
	require.Equal(t, 1, m.SegmentCount())

	s := owned(t, m)
	assert.Equal(t, 2, s.TotalWords())
	seg, ok := s.Segment(0)
	require.True(t, ok)
	assert.Equal(t, le(0x1111111111111111, 0x2222222222222222), seg)
	assert.Equal(t, DefaultReaderOptions(), m.Options())
}

func TestReadMessage_ThreeSegments(t *testing.T) {
	loop := startLoop(t)
	header := []byte{
		0x02, 0x00, 0x00, 0x00,
		0x01, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x03, 0x00, 0x00, 0x00,
	}
	require.Len(t, header, HeaderSize(3))
	body := le(1, 2, 3, 4)

	m, err := read(t, loop, bytes.NewReader(append(header, body...)), DefaultReaderOptions())
	require.NoError(t, err)

	s := owned(t, m)
	assert.Equal(t, []SegmentRange{{0, 1}, {1, 1}, {1, 4}}, s.ranges)
	assert.Equal(t, 4, s.TotalWords())

	seg, _ := s.Segment(1)
	assert.Empty(t, seg)
	seg, _ = s.Segment(2)
	assert.Equal(t, le(2, 3, 4), seg)
}

func TestReadMessage_PaddingIgnored(t *testing.T) {
	loop := startLoop(t)
	header := le32(3, 1, 0, 3, 2, 0xFFFFFFFF)
	require.Len(t, header, HeaderSize(4))
	body := le(1, 2, 3, 4, 5, 6)
	trailer := le(0xEE)
	r := bytes.NewReader(append(append(header, body...), trailer...))

	m, err := read(t, loop, r, DefaultReaderOptions())
	require.NoError(t, err)

	s := owned(t, m)
	assert.Equal(t, []SegmentRange{{0, 1}, {1, 1}, {1, 4}, {4, 6}}, s.ranges)
	seg, _ := s.Segment(3)
	assert.Equal(t, le(5, 6), seg)
	assert.Equal(t, len(trailer), r.Len(), "reader consumed past the message")
}

func TestTryReadMessage_CleanEOF(t *testing.T) {
	loop := startLoop(t)

	m, err := tryRead(t, loop, bytes.NewReader(nil), DefaultReaderOptions())
	require.NoError(t, err)
	assert.Nil(t, m)

	_, err = read(t, loop, bytes.NewReader(nil), DefaultReaderOptions())
	require.ErrorIs(t, err, ErrPrematureEOF)
}

func TestReadMessage_PartialFirstWord(t *testing.T) {
	loop := startLoop(t)
	for n := 1; n < WordSize; n++ {
		data := make([]byte, n)

		_, err := tryRead(t, loop, bytes.NewReader(data), DefaultReaderOptions())
		require.ErrorIs(t, err, ErrPrematureEOF, "try, %d bytes", n)

		_, err = read(t, loop, bytes.NewReader(data), DefaultReaderOptions())
		require.ErrorIs(t, err, ErrPrematureEOF, "required, %d bytes", n)
	}
}

func TestReadMessage_Truncated(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"table", le32(2, 1, 0)},
		{"body", append(le32(0, 3), le(1, 2)...)},
		{"empty body", le32(0, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loop := startLoop(t)
			_, err := tryRead(t, loop, bytes.NewReader(tt.data), DefaultReaderOptions())
			require.ErrorIs(t, err, ErrPrematureEOF)
		})
	}
}

func TestReadMessage_InvalidSegmentCount(t *testing.T) {
	for _, field := range []uint32{0xFFFFFFFF, 511, 0x7FFFFFFF} {
		loop := startLoop(t)
		r := bytes.NewReader(le32(field, 0xFFFFFFFF))

		_, err := tryRead(t, loop, r, DefaultReaderOptions())
		require.ErrorIs(t, err, ErrInvalidSegmentCount, "field %#x", field)
		assert.Zero(t, r.Len())
	}
}

func TestReadMessage_EmptySegment(t *testing.T) {
	loop := startLoop(t)

	m, err := read(t, loop, bytes.NewReader(le32(0, 0)), DefaultReaderOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, m.SegmentCount())
	seg, ok := m.Segment(0)
	require.True(t, ok)
	assert.Empty(t, seg)
}

func TestReadMessage_FramingLimit(t *testing.T) {
	loop := startLoop(t)
	opts := DefaultReaderOptions()
	opts.FramingLimitInWords = 1024

	r := &failingReader{data: le32(1, 0xFFFFFFF0, 0x10, 0), err: errBoom}
	_, err := tryRead(t, loop, r, opts)
	require.ErrorIs(t, err, ErrMessageTooLarge)

	data := append(le32(0, 1024), make([]byte, 1024*WordSize)...)
	m, err := tryRead(t, loop, bytes.NewReader(data), opts)
	require.NoError(t, err)
	assert.Equal(t, 1024, owned(t, m).TotalWords())
}

func TestReadMessage_PropagatesReadError(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"before table", nil},
		{"inside table", le32(2)},
		{"inside body", append(le32(0, 4), le(1)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loop := startLoop(t)
			_, err := tryRead(t, loop, &failingReader{data: tt.data, err: errBoom}, DefaultReaderOptions())
			assert.Equal(t, errBoom, err)
		})
	}
}

func TestReadMessage_Sequence(t *testing.T) {
	loop := startLoop(t)
	var data []byte
	data = append(data, le32(0, 1)...)
	data = append(data, le(7)...)
	data = append(data, le32(1, 0, 2, 0)...)
	data = append(data, le(8, 9)...)

	stream := aio.NewReader(loop, bytes.NewReader(data))
	ctx := testCtx(t)

	first, err := TryReadMessage(stream, DefaultReaderOptions()).Wait(ctx)
	require.NoError(t, err)
	seg, _ := first.Segment(0)
	assert.Equal(t, le(7), seg)

	second, err := TryReadMessage(stream, DefaultReaderOptions()).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, second.SegmentCount())
	seg, _ = second.Segment(1)
	assert.Equal(t, le(8, 9), seg)

	end, err := TryReadMessage(stream, DefaultReaderOptions()).Wait(ctx)
	require.NoError(t, err)
	assert.Nil(t, end)
}

func TestReadMessage_Idempotent(t *testing.T) {
	loop := startLoop(t)
	data := append(le32(2, 1, 0, 3), le(1, 2, 3, 4)...)

	a, err := read(t, loop, bytes.NewReader(data), DefaultReaderOptions())
	require.NoError(t, err)
	b, err := read(t, loop, bytes.NewReader(data), DefaultReaderOptions())
	require.NoError(t, err)

	assert.Equal(t, owned(t, a).Digest(), owned(t, b).Digest())
	assert.Equal(t, owned(t, a).ranges, owned(t, b).ranges)
	for id := uint32(0); id < 3; id++ {
		sa, _ := a.Segment(id)
		sb, _ := b.Segment(id)
		assert.Equal(t, sa, sb)
	}
}

func TestReadMessage_WithoutLoop(t *testing.T) {
	data := append(le32(0, 1), le(42)...)

	m, err := ReadMessage(aio.NewReader(nil, bytes.NewReader(data)), DefaultReaderOptions()).Wait(testCtx(t))
	require.NoError(t, err)
	seg, _ := m.Segment(0)
	assert.Equal(t, le(42), seg)
}

func newTestBuilder(count int) *Builder {
	b := NewBuilder()
	for i := 0; i < count; i++ {
		words := b.AllocateSegment(i % 4)
		for j := range words {
			words[j] = uint64(i)<<32 | uint64(j)
		}
	}
	return b
}

func TestWriteMessage_RoundTrip(t *testing.T) {
	for _, count := range []int{1, 2, 3, 4, 5, 64, 255, 256, 510, 511} {
		loop := startLoop(t)
		b := newTestBuilder(count)

		var buf bytes.Buffer
		got, err := WriteMessage(aio.NewWriter(loop, &buf), b).Wait(testCtx(t))
		require.NoError(t, err)
		require.Same(t, b, got)

		size, err := SerializedSize(b)
		require.NoError(t, err)
		require.Equal(t, size, buf.Len(), "count %d", count)

		m, err := read(t, loop, &buf, DefaultReaderOptions())
		require.NoError(t, err)
		require.Equal(t, count, m.SegmentCount())
		for i, want := range b.SegmentsForOutput() {
			seg, ok := m.Segment(uint32(i))
			require.True(t, ok)
			require.Equal(t, want, seg, "count %d segment %d", count, i)
		}
		require.Zero(t, buf.Len())
	}
}

func TestWriteMessage_SingleSegmentBytes(t *testing.T) {
	loop := startLoop(t)
	b := NewBuilder()
	b.AddSegment([]uint64{0x1111111111111111, 0x2222222222222222})

	var buf bytes.Buffer
	_, err := WriteMessage(aio.NewWriter(loop, &buf), b).Wait(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, append([]byte{0, 0, 0, 0, 2, 0, 0, 0}, le(0x1111111111111111, 0x2222222222222222)...), buf.Bytes())
}

func TestWriteMessage_Errors(t *testing.T) {
	loop := startLoop(t)
	ctx := testCtx(t)

	var buf bytes.Buffer
	_, err := WriteMessage(aio.NewWriter(loop, &buf), rawBuilder{}).Wait(ctx)
	require.ErrorIs(t, err, ErrInvalidSegmentCount)

	_, err = WriteMessage(aio.NewWriter(loop, &buf), rawBuilder{make([]byte, 8), make([]byte, 5)}).Wait(ctx)
	require.ErrorIs(t, err, ErrUnalignedSegment)
	assert.Zero(t, buf.Len(), "nothing written for a rejected builder")

	_, err = WriteMessage(aio.NewWriter(loop, failingWriter{}), newTestBuilder(2)).Wait(ctx)
	assert.Equal(t, errBoom, err)
}

func TestWriteMessage_Pipe(t *testing.T) {
	loop := startLoop(t)
	pr, pw := io.Pipe()
	b := newTestBuilder(3)

	written := WriteMessage(aio.NewWriter(loop, pw), b)
	m, err := read(t, loop, pr, DefaultReaderOptions())
	require.NoError(t, err)

	_, err = written.Wait(testCtx(t))
	require.NoError(t, err)
	seg, _ := m.Segment(2)
	assert.Equal(t, b.SegmentsForOutput()[2], seg)
}

func TestWriteMessage_FlushedTransports(t *testing.T) {
	for _, kind := range []transport.Kind{transport.Raw, transport.Packed, transport.Zstd, transport.S2, transport.LZ4} {
		t.Run(kind.String(), func(t *testing.T) {
			loop := startLoop(t)
			client, server := net.Pipe()
			defer server.Close()

			out, err := transport.Wrap(client, kind)
			require.NoError(t, err)
			in, err := transport.Wrap(server, kind)
			require.NoError(t, err)

			first, second := newTestBuilder(3), newTestBuilder(6)
			written := make(chan error, 1)
			go func() {
				defer client.Close()
				w := aio.NewWriter(loop, out)
				for _, b := range []*Builder{first, second} {
					if _, err := WriteMessage(w, b).Wait(context.Background()); err != nil {
						written <- err
						return
					}
					// Flush only; the encoder is never closed.
					if err := out.Flush(); err != nil {
						written <- err
						return
					}
				}
				written <- nil
			}()

			r := aio.NewReader(loop, in)
			for _, want := range []*Builder{first, second} {
				m, err := TryReadMessage(r, DefaultReaderOptions()).Wait(testCtx(t))
				require.NoError(t, err)
				require.NotNil(t, m)
				assert.Equal(t, want.SegmentsForOutput(), owned(t, m).SegmentsForOutput())
			}
			require.NoError(t, <-written)

			m, err := TryReadMessage(r, DefaultReaderOptions()).Wait(testCtx(t))
			require.NoError(t, err)
			assert.Nil(t, m, "peer closed between messages")
		})
	}
}
