package transport

import (
	"errors"
	"net"
	"time"
)

// Config holds transport initialization parameters.
type Config struct {
	// ListenAddress is the local address to bind, e.g. ":7777".
	// Empty chooses an ephemeral port on all interfaces.
	ListenAddress string

	// ReceiveQueueSize bounds the number of datagrams buffered between the
	// OS receive path and the polling caller. Zero uses a default.
	ReceiveQueueSize int

	// ReadBufferSize is the size of the datagram read buffer. Zero uses
	// limits.MaxPacketSize.
	ReadBufferSize int

	// EnableEncryption and EnableCompression are accepted for forward
	// compatibility but are not implemented; enabling them has no effect
	// on the wire format.
	EnableEncryption  bool
	EnableCompression bool
}

// ReceivedPacket is one datagram taken off the receive queue.
type ReceivedPacket struct {
	Addr     net.Addr
	Data     []byte
	Received time.Time
}

var (
	// ErrBindFailed indicates the transport could not bind its local address.
	ErrBindFailed = errors.New("transport bind failed")

	// ErrNotInitialized indicates use of a transport before Initialize.
	ErrNotInitialized = errors.New("transport not initialized")

	// ErrSendFailed indicates a single send operation failed.
	ErrSendFailed = errors.New("transport send failed")

	// ErrClosed indicates use of a transport after Close.
	ErrClosed = errors.New("transport closed")
)

// Transport moves opaque datagrams between addresses.
//
// This abstraction allows different implementations (UDP, in-memory) to be
// used interchangeably by the layers above. Implementations deliver
// received datagrams through an internal queue drained by ReceiveFrom;
// none of the methods block except Poll, whose timeout is caller-controlled.
type Transport interface {
	// Initialize binds the transport and starts its receive path.
	Initialize(config Config) error

	// SendTo transmits one datagram to the given address.
	SendTo(addr net.Addr, data []byte) error

	// ReceiveFrom pops one received datagram from the queue.
	// The second return value is false when the queue is empty.
	ReceiveFrom() (*ReceivedPacket, bool)

	// Poll waits up to timeoutMs milliseconds for the receive queue to be
	// non-empty and returns the number of datagrams currently queued.
	// A timeout of zero returns immediately.
	Poll(timeoutMs int) int

	// LocalAddr returns the bound local address, or nil before Initialize.
	LocalAddr() net.Addr

	// Close shuts down the transport and its receive path.
	Close() error
}
