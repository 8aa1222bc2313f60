package capnpgj

import (
	"time"

	"github.com/dwrensha/capnp-gj/transport"
)

// ErrorAction defines the action to take when an error occurs.
type ErrorAction int

const (
	// Disconnect closes the connection when an error occurs.
	Disconnect ErrorAction = iota
	// Continue suppresses a handler error and reads the next message.
	Continue
)

// options holds the configuration for a connection.
type options struct {
	kind      transport.Kind
	reader    ReaderOptions
	readerSet bool
	logger    Logger

	onMessage func(*MessageReader) error
	// onError returns Disconnect to close the connection, Continue to suppress a handler error.
	onError func(error) ErrorAction

	bufferSize     int           // size of the send queue
	maxMessageSize int           // maximum segment bytes in one received message
	idleTimeout    time.Duration // read/write deadline
}

// Option is a function that configures connection options.
type Option func(*options)

// TransportOption selects the byte encoding used on the connection.
// Both peers must use the same kind. The default is transport.Raw.
func TransportOption(kind transport.Kind) Option {
	return func(o *options) {
		o.kind = kind
	}
}

// ReaderOptionsOption sets the limits attached to every received message.
func ReaderOptionsOption(opts ReaderOptions) Option {
	return func(o *options) {
		o.reader = opts
		o.readerSet = true
	}
}

// BufferSizeOption sets how many outgoing messages may be queued.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// IdleTimeoutOption sets how long a read or write may wait on the peer.
func IdleTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = timeout
	}
}

// MessageMaxSize sets the largest message, in bytes of segment data, the
// connection will accept. Larger messages are rejected from their segment
// table, before the body is read.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxMessageSize = size
	}
}

// OnErrorOption sets the callback invoked when a read, a write, or the message
// handler fails. Read and write errors always close the connection, since the
// stream may be left mid-message. For handler errors, return Disconnect to
// close the connection or Continue to keep reading.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// OnMessageOption sets the handler invoked for each received message. It is required.
func OnMessageOption(cb func(*MessageReader) error) Option {
	return func(o *options) {
		o.onMessage = cb
	}
}

// LoggerOption sets the logger. If not set, slog.Default() is used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}
