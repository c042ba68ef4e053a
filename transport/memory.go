package transport

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// MemoryAddr is a net.Addr for the in-memory network.
type MemoryAddr struct {
	Name string
}

// Network returns the network name for this address type.
func (a MemoryAddr) Network() string { return "mem" }

// String returns the endpoint name.
func (a MemoryAddr) String() string { return a.Name }

// MemoryNetwork connects MemoryTransport endpoints in one process.
//
// It exists for deterministic tests and local simulation: datagrams are
// delivered synchronously to the destination's receive queue, and an
// optional loss function can drop selected datagrams to exercise
// retransmission paths.
type MemoryNetwork struct {
	mu        sync.Mutex
	endpoints map[string]*MemoryTransport
	lossFunc  func(from, to net.Addr, data []byte) bool
}

// NewMemoryNetwork creates an empty in-memory network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{endpoints: make(map[string]*MemoryTransport)}
}

// SetLossFunc installs a predicate that returns true for datagrams the
// network should drop. Pass nil to restore lossless delivery.
func (n *MemoryNetwork) SetLossFunc(f func(from, to net.Addr, data []byte) bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lossFunc = f
}

// Endpoint creates a transport attached to this network under the given
// name. The returned transport still requires Initialize before use.
func (n *MemoryNetwork) Endpoint(name string) *MemoryTransport {
	return &MemoryTransport{
		network: n,
		addr:    MemoryAddr{Name: name},
		notify:  make(chan struct{}, 1),
	}
}

func (n *MemoryNetwork) deliver(from net.Addr, to string, data []byte) error {
	n.mu.Lock()
	dest, ok := n.endpoints[to]
	loss := n.lossFunc
	n.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: no endpoint %q", ErrSendFailed, to)
	}
	if loss != nil && loss(from, dest.addr, data) {
		return nil // dropped by the simulated network, not an error
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	dest.enqueue(&ReceivedPacket{Addr: from, Data: buf, Received: time.Now()})
	return nil
}

// MemoryTransport implements Transport over a MemoryNetwork.
type MemoryTransport struct {
	network *MemoryNetwork
	addr    MemoryAddr

	mu        sync.Mutex
	queue     []*ReceivedPacket
	queueMax  int
	notify    chan struct{}
	active    bool
	closed    bool
}

// Initialize registers the endpoint with its network.
func (t *MemoryTransport) Initialize(config Config) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active {
		return fmt.Errorf("%w: already initialized", ErrBindFailed)
	}

	t.network.mu.Lock()
	if _, exists := t.network.endpoints[t.addr.Name]; exists {
		t.network.mu.Unlock()
		return fmt.Errorf("%w: endpoint %q in use", ErrBindFailed, t.addr.Name)
	}
	t.network.endpoints[t.addr.Name] = t
	t.network.mu.Unlock()

	t.queueMax = config.ReceiveQueueSize
	if t.queueMax <= 0 {
		t.queueMax = DefaultReceiveQueueSize
	}
	t.active = true
	t.closed = false
	return nil
}

// SendTo delivers one datagram to another endpoint on the same network.
func (t *MemoryTransport) SendTo(addr net.Addr, data []byte) error {
	t.mu.Lock()
	active, closed := t.active, t.closed
	t.mu.Unlock()

	if !active {
		return ErrNotInitialized
	}
	if closed {
		return ErrClosed
	}
	return t.network.deliver(t.addr, addr.String(), data)
}

// ReceiveFrom pops one received datagram from the queue.
func (t *MemoryTransport) ReceiveFrom() (*ReceivedPacket, bool) {
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
func (t *MemoryTransport) Poll(timeoutMs int) int {
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

// LocalAddr returns the endpoint's address.
func (t *MemoryTransport) LocalAddr() net.Addr { return t.addr }

// Close detaches the endpoint from its network. Close is idempotent.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed || !t.active {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.active = false
	t.queue = nil
	t.mu.Unlock()

	t.network.mu.Lock()
	delete(t.network.endpoints, t.addr.Name)
	t.network.mu.Unlock()
	return nil
}

func (t *MemoryTransport) enqueue(packet *ReceivedPacket) {
	t.mu.Lock()
	if t.closed || len(t.queue) >= t.queueMax {
		t.mu.Unlock()
		return
	}
	t.queue = append(t.queue, packet)
	t.mu.Unlock()

	select {
	case t.notify <- struct{}{}:
	default:
	}
}
