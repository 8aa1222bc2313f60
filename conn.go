// Package capnpgj frames Cap'n Proto messages on asynchronous byte streams.
//
// A message is a segment table followed by its segments. TryReadMessage and
// ReadMessage decode one message from an aio.Reader, WriteMessage encodes one
// onto an aio.Writer, and Marshal and Unmarshal do the same for byte slices.
// Conn and Server run the framing over TCP.
package capnpgj

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/dwrensha/capnp-gj/aio"
	"github.com/dwrensha/capnp-gj/promise"
	"github.com/dwrensha/capnp-gj/transport"
)

// Errors returned by connection operations.
var (
	// ErrInvalidOnMessage is returned when no message handler is provided.
	ErrInvalidOnMessage = errors.New("invalid on message callback")
	// ErrConnectionClosed is returned when operating on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
)

// Conn represents a client connection to a TCP server.
// Received messages are decoded on a promise loop owned by the connection
// and handed to the message handler one at a time; outgoing messages are
// queued and written in order.
type Conn struct {
	rawConn   *net.TCPConn
	transport transport.Transport
	stream    *aio.Stream
	loop      *promise.Loop
	logger    Logger

	opts options

	sendMsg chan MessageBuilder
	closed  atomic.Bool
	closing chan struct{} // closed by Close to stop Run
}

// Default configuration values.
const (
	// defaultBufferSize is the default size of the send queue.
	defaultBufferSize = 1
	// defaultMaxMessageSize is the default limit on a received message's segment data (1MB).
	defaultMaxMessageSize = 1024 * 1024
	// defaultIdleTimeout is the default read/write deadline.
	defaultIdleTimeout = 30 * time.Second
)

// NewConn creates a new connection wrapper around the given TCP connection.
// Returns an error if the message handler is missing or the transport is unknown.
func NewConn(conn *net.TCPConn, opt ...Option) (*Conn, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	err := checkOptions(&opts)
	if err != nil {
		return nil, err
	}

	return newClientConnWithOptions(conn, opts)
}

// Dial connects to addr over TCP and wraps the connection with NewConn.
func Dial(ctx context.Context, addr string, opt ...Option) (*Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}

	conn, err := NewConn(raw.(*net.TCPConn), opt...)
	if err != nil {
		raw.Close()
		return nil, err
	}
	return conn, nil
}

// checkOptions validates and sets default values for connection options.
func checkOptions(opts *options) error {
	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.maxMessageSize <= 0 {
		opts.maxMessageSize = defaultMaxMessageSize
	}

	if opts.onMessage == nil {
		return ErrInvalidOnMessage
	}

	if opts.idleTimeout <= 0 {
		opts.idleTimeout = defaultIdleTimeout
	}

	if opts.kind == 0 {
		opts.kind = transport.Raw
	}

	if !opts.readerSet {
		opts.reader = DefaultReaderOptions()
	}
	if opts.reader.FramingLimitInWords == 0 {
		opts.reader.FramingLimitInWords = uint64(opts.maxMessageSize) / WordSize
	}

	if opts.onError == nil {
		opts.onError = func(err error) ErrorAction { return Disconnect }
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return nil
}

func newClientConnWithOptions(c *net.TCPConn, opts options) (*Conn, error) {
	tr, err := transport.Wrap(c, opts.kind)
	if err != nil {
		return nil, err
	}

	loop := promise.NewLoop(promise.LoopLoggerOption(opts.logger))
	cc := &Conn{
		rawConn:   c,
		transport: tr,
		stream:    aio.NewStream(loop, tr),
		loop:      loop,
		logger:    opts.logger,
		opts:      opts,
		sendMsg:   make(chan MessageBuilder, opts.bufferSize),
		closing:   make(chan struct{}),
	}

	return cc, nil
}

// Run starts the connection's read and write loops and blocks until one of
// them fails, the peer closes the stream between messages, or ctx is canceled.
// A clean close by the peer returns nil.
// The connection is closed when Run returns.
func (c *Conn) Run(ctx context.Context) error {
	c.logger.Info("connection established", "addr", c.Addr(), "transport", c.opts.kind)
	c.logger.Debug("connection options", "addr", c.Addr(),
		"buffer_size", c.opts.bufferSize,
		"max_message_size", c.opts.maxMessageSize,
		"framing_limit_words", c.opts.reader.FramingLimitInWords,
		"idle_timeout", c.opts.idleTimeout)

	// The loop outlives the I/O loops so that in-flight reads and writes can
	// settle after cancellation closes the socket.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan error, 1)
	go func() {
		loopDone <- c.loop.Run(loopCtx)
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	group, child := errgroup.WithContext(ctx)
	stop := context.AfterFunc(child, c.closeConn)
	defer stop()

	group.Go(func() error {
		return c.readLoop(child)
	})

	group.Go(func() error {
		return c.writeLoop(child)
	})

	err := group.Wait()
	c.closeConn()
	if cerr := c.transport.Close(); cerr != nil {
		c.logger.Debug("transport close error", "addr", c.Addr(), "error", cerr)
	}
	stopLoop()
	<-loopDone

	if errors.Is(err, io.EOF) {
		err = nil
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Info("connection closed with error", "addr", c.Addr(), "error", err)
	} else {
		c.logger.Info("connection closed", "addr", c.Addr())
	}

	return err
}

// Close closes the connection. Safe to call multiple times.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}
	close(c.closing)
	return c.rawConn.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// ErrBufferFull is returned when the send queue is full.
// The receiver is not consuming messages fast enough; use WriteBlocking or
// WriteTimeout to wait for space instead.
var ErrBufferFull = errors.New("send buffer full")

// Write queues b for sending without blocking.
//
// Returns:
//   - nil: b was queued (not yet sent)
//   - ErrBufferFull: the send queue is full, b was NOT queued
//   - ErrConnectionClosed: the connection is closed
//   - a framing error if b cannot be encoded
//
// b must not be modified until it has been written.
func (c *Conn) Write(b MessageBuilder) error {
	if err := c.checkWrite(b); err != nil {
		return err
	}

	select {
	case c.sendMsg <- b:
		return nil
	default:
		return ErrBufferFull
	}
}

// WriteBlocking queues b, blocking until there is room or ctx is done.
func (c *Conn) WriteBlocking(ctx context.Context, b MessageBuilder) error {
	if err := c.checkWrite(b); err != nil {
		return err
	}

	select {
	case c.sendMsg <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteTimeout queues b, waiting up to timeout for room.
// It returns ErrBufferFull if the timeout expires.
func (c *Conn) WriteTimeout(b MessageBuilder, timeout time.Duration) error {
	if err := c.checkWrite(b); err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.sendMsg <- b:
		return nil
	case <-timer.C:
		return ErrBufferFull
	}
}

// checkWrite rejects builders that cannot be framed, so the error reaches
// the caller instead of the write loop.
func (c *Conn) checkWrite(b MessageBuilder) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	if _, err := AppendSegmentTable(nil, b.SegmentsForOutput()); err != nil {
		return errors.Wrap(err, "write")
	}
	return nil
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// Transport returns the byte encoding used on the connection.
func (c *Conn) Transport() transport.Kind {
	return c.opts.kind
}

// readLoop decodes messages until the peer closes the stream, reading fails,
// or the handler fails with an error onError does not suppress.
// A clean close is reported as io.EOF.
func (c *Conn) readLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		_ = c.rawConn.SetReadDeadline(time.Now().Add(c.opts.idleTimeout))

		// Closing the socket on cancellation settles the read; waiting on a
		// canceled context instead would leave it running.
		msg, err := TryReadMessage(c.stream, c.opts.reader).Wait(context.Background())
		if err != nil {
			if serr := c.stopErr(ctx); serr != nil {
				return serr
			}
			// The stream position is unknown after a failed read, so the
			// connection stops whatever onError returns.
			c.logger.Debug("read error", "addr", c.Addr(), "error", err)
			c.opts.onError(err)
			return err
		}
		if msg == nil {
			c.logger.Debug("peer closed stream", "addr", c.Addr())
			return io.EOF
		}

		c.logReceived(ctx, msg)
		if err = c.opts.onMessage(msg); err != nil {
			c.logger.Debug("handler error", "addr", c.Addr(), "error", err)
			if c.opts.onError(err) == Disconnect {
				return err
			}
		}
	}
}

func (c *Conn) logReceived(ctx context.Context, msg *MessageReader) {
	if !debugEnabled(ctx, c.logger) {
		return
	}
	args := []any{"addr", c.Addr(), "segments", msg.SegmentCount()}
	if owned, ok := msg.Segments().(*OwnedSegments); ok {
		args = append(args, "words", owned.TotalWords(), "digest", owned.Digest())
	}
	c.logger.Debug("message received", args...)
}

// writeLoop writes queued messages in order.
func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b := <-c.sendMsg:
			if err := c.write(ctx, b); err != nil {
				return err
			}
		}
	}
}

// write frames b onto the connection and flushes the transport.
// A failed write may leave a partial message on the stream, so every error
// stops the write loop.
func (c *Conn) write(ctx context.Context, b MessageBuilder) error {
	_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.idleTimeout))

	_, err := WriteMessage(c.stream, b).Wait(context.Background())
	if err == nil {
		err = c.transport.Flush()
	}

	if err != nil {
		if serr := c.stopErr(ctx); serr != nil {
			return serr
		}
		c.logger.Debug("write error", "addr", c.Addr(), "error", err)
		c.opts.onError(err)
		return err
	}

	return nil
}

// stopErr returns why the connection is shutting down, or nil if it is not.
func (c *Conn) stopErr(ctx context.Context) error {
	select {
	case <-c.closing:
		return context.Canceled
	default:
		return ctx.Err()
	}
}

// closeConn marks the connection as closed and closes the underlying TCP connection.
func (c *Conn) closeConn() {
	c.closed.Store(true)
	c.rawConn.Close()
}
