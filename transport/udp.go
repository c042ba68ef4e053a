package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/netcode/limits"
)

// DefaultReceiveQueueSize bounds buffered datagrams when Config leaves
// ReceiveQueueSize at zero.
const DefaultReceiveQueueSize = 256

// readDeadline is the poll interval of the background reader; it bounds how
// long Close waits for the reader goroutine to notice cancellation.
const readDeadline = 100 * time.Millisecond

// UDPTransport implements Transport over a UDP socket.
//
// A background goroutine reads datagrams from the socket into a bounded
// queue; the caller drains the queue with Poll/ReceiveFrom on its own tick.
type UDPTransport struct {
	mu        sync.Mutex
	conn      net.PacketConn
	localAddr net.Addr
	queue     []*ReceivedPacket
	queueMax  int
	notify    chan struct{}
	readBuf   int
	ctx       context.Context
	cancel    context.CancelFunc
	closed    bool
}

// NewUDPTransport creates an uninitialized UDP transport.
// Call Initialize before use.
func NewUDPTransport() *UDPTransport {
	return &UDPTransport{notify: make(chan struct{}, 1)}
}

// Initialize binds the listen address and starts the receive goroutine.
func (t *UDPTransport) Initialize(config Config) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return fmt.Errorf("%w: already initialized", ErrBindFailed)
	}

	conn, err := net.ListenPacket("udp", config.ListenAddress)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Initialize",
			"address":  config.ListenAddress,
			"error":    err.Error(),
		}).Error("Failed to bind UDP socket")
		return fmt.Errorf("%w: %v", ErrBindFailed, err)
	}

	t.conn = conn
	t.localAddr = conn.LocalAddr()
	t.queueMax = config.ReceiveQueueSize
	if t.queueMax <= 0 {
		t.queueMax = DefaultReceiveQueueSize
	}
	t.readBuf = config.ReadBufferSize
	if t.readBuf <= 0 {
		t.readBuf = limits.MaxPacketSize
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	go t.readLoop()

	logrus.WithFields(logrus.Fields{
		"function":   "Initialize",
		"local_addr": t.localAddr.String(),
		"queue_max":  t.queueMax,
	}).Info("UDP transport initialized")

	return nil
}

// SendTo transmits one datagram to the given address.
func (t *UDPTransport) SendTo(addr net.Addr, data []byte) error {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()

	if conn == nil {
		return ErrNotInitialized
	}
	if closed {
		return ErrClosed
	}
	if len(data) > limits.MaxPacketSize {
		return fmt.Errorf("%w: datagram %d bytes", limits.ErrPayloadTooLarge, len(data))
	}

	if _, err := conn.WriteTo(data, addr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "SendTo",
			"remote":   addr.String(),
			"size":     len(data),
			"error":    err.Error(),
		}).Warn("UDP send failed")
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

// ReceiveFrom pops one received datagram from the queue.
func (t *UDPTransport) ReceiveFrom() (*ReceivedPacket, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.queue) == 0 {
		return nil, false
	}
	packet := t.queue[0]
	t.queue = t.queue[1:]
	return packet, true
}

// Poll waits up to timeoutMs for a datagram and returns the queue depth.
func (t *UDPTransport) Poll(timeoutMs int) int {
	t.mu.Lock()
	depth := len(t.queue)
	t.mu.Unlock()

	if depth > 0 || timeoutMs <= 0 {
		return depth
	}

	timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-t.notify:
	case <-timer.C:
	}

	t.mu.Lock()
	depth = len(t.queue)
	t.mu.Unlock()
	return depth
}

// LocalAddr returns the bound local address.
func (t *UDPTransport) LocalAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localAddr
}

// Close shuts down the transport and stops the receive goroutine.
// Close is idempotent.
func (t *UDPTransport) Close() error {
	t.mu.Lock()
	if t.closed || t.conn == nil {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	cancel := t.cancel
	t.mu.Unlock()

	cancel()
	err := conn.Close()

	logrus.WithFields(logrus.Fields{
		"function": "Close",
	}).Info("UDP transport closed")
	return err
}

// readLoop reads datagrams from the socket until cancelled.
func (t *UDPTransport) readLoop() {
	buffer := make([]byte, t.readBuf)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		_ = t.conn.SetReadDeadline(time.Now().Add(readDeadline))
		n, addr, err := t.conn.ReadFrom(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue // would block, retry next pass
			}
			select {
			case <-t.ctx.Done():
				return
			default:
			}
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"error":    err.Error(),
			}).Warn("UDP receive failed")
			continue
		}

		data := make([]byte, n)
		copy(data, buffer[:n])
		t.enqueue(&ReceivedPacket{Addr: addr, Data: data, Received: time.Now()})
	}
}

// enqueue appends a datagram to the bounded receive queue, dropping the
// packet when the queue is full.
func (t *UDPTransport) enqueue(packet *ReceivedPacket) {
	t.mu.Lock()
	if len(t.queue) >= t.queueMax {
		t.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "enqueue",
			"remote":   packet.Addr.String(),
			"depth":    t.queueMax,
		}).Warn("Receive queue full, dropping datagram")
		return
	}
	t.queue = append(t.queue, packet)
	t.mu.Unlock()

	select {
	case t.notify <- struct{}{}:
	default:
	}
}
