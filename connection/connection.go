// Package connection implements the per-peer connection state: a small
// state machine, cumulative traffic statistics, and the thread-safe
// outgoing/incoming payload queues drained once per tick.
//
// A Connection holds no protocol logic of its own. The connection manager
// owns the connection table and drives every transition except the
// activity timeout, which Update applies when the peer has been silent for
// longer than the configured limit.
package connection

import (
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/netcode/limits"
	"github.com/opd-ai/netcode/reliable"
)

// State is the lifecycle state of a connection.
type State uint8

const (
	// StateDisconnected is the initial and final resting state.
	StateDisconnected State = iota
	// StateConnecting means a handshake is in flight.
	StateConnecting
	// StateConnected means the handshake completed.
	StateConnected
	// StateDisconnecting means a disconnect notice was sent.
	StateDisconnecting
	// StateTimedOut means the peer went silent past the timeout.
	StateTimedOut
	// StateFailed means the handshake was denied or errored.
	StateFailed
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	case StateTimedOut:
		return "TimedOut"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether no further transitions can leave s.
func (s State) IsTerminal() bool {
	return s == StateDisconnected || s == StateTimedOut || s == StateFailed
}

// Stats is the cumulative traffic accounting for one connection.
type Stats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	PacketsLost     uint64
	LossPercent     float64
	RTT             time.Duration
}

// OutgoingPayload is one application payload awaiting the per-tick flush
// into the reliable layer.
type OutgoingPayload struct {
	Data    []byte
	Mode    reliable.DeliveryMode
	Channel uint8
}

// IncomingPayload is one delivered payload awaiting the application.
type IncomingPayload struct {
	Data    []byte
	Channel uint8
}

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Connection is one peer's connection record. The connection table is the
// sole owner; everything else refers to a connection by its id.
type Connection struct {
	ID         uint32
	RemoteAddr net.Addr

	mu           sync.Mutex
	state        State
	stats        Stats
	lastActivity time.Time
	timeout      time.Duration
	outgoing     []OutgoingPayload
	incoming     []IncomingPayload
	timeProvider TimeProvider
}

// New creates a connection to remoteAddr in the given initial state.
// A timeoutMs of zero selects the protocol default.
func New(id uint32, remoteAddr net.Addr, initial State, timeoutMs int) *Connection {
	if timeoutMs <= 0 {
		timeoutMs = limits.DefaultConnectionTimeoutMs
	}
	tp := TimeProvider(DefaultTimeProvider{})

	logrus.WithFields(logrus.Fields{
		"function":      "New",
		"connection_id": id,
		"remote":        remoteAddr.String(),
		"state":         initial.String(),
	}).Info("Creating connection")

	return &Connection{
		ID:           id,
		RemoteAddr:   remoteAddr,
		state:        initial,
		lastActivity: tp.Now(),
		timeout:      time.Duration(timeoutMs) * time.Millisecond,
		timeProvider: tp,
	}
}

// SetTimeProvider sets a custom time provider for deterministic testing.
// Also resets the activity timestamp under the new provider.
func (c *Connection) SetTimeProvider(tp TimeProvider) {
	if tp == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeProvider = tp
	c.lastActivity = tp.Now()
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState applies a transition. Transitions out of a terminal state, or
// backwards from Connected to Connecting, are ignored.
func (c *Connection) SetState(next State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == next {
		return
	}
	if c.state.IsTerminal() && c.state != StateDisconnected {
		return
	}
	if c.state == StateConnected && next == StateConnecting {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":      "SetState",
		"connection_id": c.ID,
		"from":          c.state.String(),
		"to":            next.String(),
	}).Debug("Connection state transition")
	c.state = next
}

// Touch records peer activity, resetting the timeout timer.
func (c *Connection) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = c.timeProvider.Now()
}

// Update advances the no-activity timer; a connection silent for longer
// than its timeout transitions to TimedOut. Returns true on the tick the
// transition happens; repeated calls afterwards are no-ops.
func (c *Connection) Update() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected && c.state != StateConnecting {
		return false
	}
	idle := c.timeProvider.Now().Sub(c.lastActivity)
	if idle < c.timeout {
		return false
	}

	logrus.WithFields(logrus.Fields{
		"function":      "Update",
		"connection_id": c.ID,
		"remote":        c.RemoteAddr.String(),
		"idle":          idle,
		"timeout":       c.timeout,
	}).Warn("Connection timed out")
	c.state = StateTimedOut
	return true
}

// EnqueueOutgoing queues one payload for the next tick's flush.
func (c *Connection) EnqueueOutgoing(data []byte, mode reliable.DeliveryMode, channel uint8) {
	buf := make([]byte, len(data))
	copy(buf, data)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.outgoing = append(c.outgoing, OutgoingPayload{Data: buf, Mode: mode, Channel: channel})
}

// DrainOutgoing removes and returns every queued outgoing payload.
// The connection manager is the single consumer.
func (c *Connection) DrainOutgoing() []OutgoingPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.outgoing
	c.outgoing = nil
	return out
}

// EnqueueIncoming queues one delivered payload for the application.
func (c *Connection) EnqueueIncoming(data []byte, channel uint8) {
	buf := make([]byte, len(data))
	copy(buf, data)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.incoming = append(c.incoming, IncomingPayload{Data: buf, Channel: channel})
}

// ReceiveIncoming pops one delivered payload, or returns false when the
// queue is empty. The application is the single consumer.
func (c *Connection) ReceiveIncoming() (IncomingPayload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.incoming) == 0 {
		return IncomingPayload{}, false
	}
	p := c.incoming[0]
	c.incoming = c.incoming[1:]
	return p, true
}

// RecordSent accounts for one transmitted packet.
func (c *Connection) RecordSent(bytes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.PacketsSent++
	c.stats.BytesSent += uint64(bytes)
	c.updateLossLocked()
}

// RecordReceived accounts for one received packet.
func (c *Connection) RecordReceived(bytes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.PacketsReceived++
	c.stats.BytesReceived += uint64(bytes)
}

// RecordLost accounts for packets dropped after resend exhaustion.
func (c *Connection) RecordLost(count uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.PacketsLost += count
	c.updateLossLocked()
}

// SetRTT records the smoothed round-trip estimate from the reliable layer.
func (c *Connection) SetRTT(rtt time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.RTT = rtt
}

func (c *Connection) updateLossLocked() {
	if c.stats.PacketsSent > 0 {
		c.stats.LossPercent = 100 * float64(c.stats.PacketsLost) / float64(c.stats.PacketsSent)
	}
}

// Stats returns a snapshot of the cumulative statistics.
func (c *Connection) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
