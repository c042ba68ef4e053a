package netcode

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/netcode/connection"
	"github.com/opd-ai/netcode/transport"
)

// handleControl routes one control packet to its handler.
func (m *Manager) handleControl(addr net.Addr, pkt *transport.Packet) {
	switch pkt.Header.Type {
	case transport.PacketConnectionRequest:
		m.handleConnectionRequest(addr)
	case transport.PacketConnectionAccepted:
		m.handleConnectionAccepted(addr, pkt)
	case transport.PacketConnectionDenied:
		m.handleConnectionDenied(addr, pkt)
	case transport.PacketDisconnect:
		m.handleDisconnect(addr, pkt)
	case transport.PacketPing:
		m.sendControl(addr, transport.PacketPong, pkt.Header.ConnectionID, pkt.Payload)
	case transport.PacketPong:
		m.handlePong(addr, pkt)
	case transport.PacketKeepAlive:
		// Touch already happened during routing.
	default:
		logrus.WithFields(logrus.Fields{
			"function": "handleControl",
			"remote":   addr.String(),
			"type":     pkt.Header.Type,
		}).Debug("Ignoring unhandled control packet")
	}
}

// handleConnectionRequest admits a new peer or re-acknowledges a known
// one. A duplicate request never creates a second table entry.
func (m *Manager) handleConnectionRequest(addr net.Addr) {
	m.mu.Lock()
	if m.role != RoleServer && m.role != RoleHost {
		m.mu.Unlock()
		return
	}

	if id, known := m.byAddr[addr.String()]; known {
		m.mu.Unlock()
		// The accept may have been lost; repeat it.
		m.sendControl(addr, transport.PacketConnectionAccepted, id, nil)
		return
	}

	if len(m.connections) >= m.opts.MaxConnections {
		m.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":        "handleConnectionRequest",
			"remote":          addr.String(),
			"max_connections": m.opts.MaxConnections,
		}).Warn("Denying connection, server full")
		m.sendControl(addr, transport.PacketConnectionDenied, 0,
			[]byte{byte(DenyReasonServerFull)})
		return
	}

	id := m.nextConnID
	m.nextConnID++
	conn := connection.New(id, addr, connection.StateConnected, m.opts.ConnectionTimeoutMs)
	conn.SetTimeProvider(m.timeProvider)
	m.connections[id] = conn
	m.byAddr[addr.String()] = id
	cb := m.onConnect
	m.mu.Unlock()

	m.sendControl(addr, transport.PacketConnectionAccepted, id, nil)
	logrus.WithFields(logrus.Fields{
		"function":      "handleConnectionRequest",
		"connection_id": id,
		"remote":        addr.String(),
	}).Info("Connection accepted")
	if cb != nil {
		cb(id)
	}
}

// handleConnectionAccepted completes the client handshake. The assigned
// id travels in the envelope's connection id field.
func (m *Manager) handleConnectionAccepted(addr net.Addr, pkt *transport.Packet) {
	m.mu.Lock()
	if m.role != RoleClient || m.serverAddr == nil || addr.String() != m.serverAddr.String() {
		m.mu.Unlock()
		return
	}
	conn := m.connections[clientPendingID]
	if conn == nil || conn.State() != connection.StateConnecting {
		// Handshake already completed; a repeated accept is harmless.
		m.mu.Unlock()
		return
	}

	id := pkt.Header.ConnectionID
	delete(m.connections, clientPendingID)
	rekeyed := connection.New(id, conn.RemoteAddr, connection.StateConnecting, m.opts.ConnectionTimeoutMs)
	rekeyed.SetTimeProvider(m.timeProvider)
	m.connections[id] = rekeyed
	m.byAddr[addr.String()] = id
	m.localConnID = id
	cb := m.onConnect
	m.mu.Unlock()

	rekeyed.SetState(connection.StateConnected)
	logrus.WithFields(logrus.Fields{
		"function":      "handleConnectionAccepted",
		"connection_id": id,
		"server":        addr.String(),
	}).Info("Connected to server")
	if cb != nil {
		cb(id)
	}
}

// handleConnectionDenied fails the client's pending attempt.
func (m *Manager) handleConnectionDenied(addr net.Addr, pkt *transport.Packet) {
	reason := DenyReasonUnspecified
	if len(pkt.Payload) >= 1 {
		reason = DenyReason(pkt.Payload[0])
	}

	m.mu.Lock()
	if m.role != RoleClient || m.serverAddr == nil || addr.String() != m.serverAddr.String() {
		m.mu.Unlock()
		return
	}
	conn := m.connections[clientPendingID]
	if conn == nil || conn.State() != connection.StateConnecting {
		m.mu.Unlock()
		return
	}
	delete(m.connections, clientPendingID)
	delete(m.byAddr, addr.String())
	cb := m.onConnectFailed
	m.mu.Unlock()

	conn.SetState(connection.StateFailed)
	logrus.WithFields(logrus.Fields{
		"function": "handleConnectionDenied",
		"server":   addr.String(),
		"reason":   reason.String(),
	}).Warn("Connection denied by server")
	if cb != nil {
		cb(reason)
	}
}

// handleDisconnect removes the connection the peer is closing.
func (m *Manager) handleDisconnect(addr net.Addr, pkt *transport.Packet) {
	reason := DisconnectReasonUnspecified
	if len(pkt.Payload) >= 1 {
		reason = DisconnectReason(pkt.Payload[0])
	}

	conn := m.connByAddr(addr)
	if conn == nil {
		return
	}
	m.removeConnection(conn, reason, false)
}

// sendPing transmits a keep-alive ping carrying the send timestamp, which
// the peer echoes back in its pong.
func (m *Manager) sendPing(conn *connection.Connection) {
	m.mu.Lock()
	now := m.timeProvider.Now()
	m.mu.Unlock()

	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, uint64(now.UnixNano()))
	m.sendControl(conn.RemoteAddr, transport.PacketPing, conn.ID, payload)
}

// handlePong turns the echoed ping timestamp into a connection-level
// round-trip sample.
func (m *Manager) handlePong(addr net.Addr, pkt *transport.Packet) {
	if len(pkt.Payload) < 8 {
		return
	}
	conn := m.connByAddr(addr)
	if conn == nil {
		return
	}

	m.mu.Lock()
	now := m.timeProvider.Now()
	m.mu.Unlock()

	sent := time.Unix(0, int64(binary.BigEndian.Uint64(pkt.Payload)))
	rtt := now.Sub(sent)
	if rtt > 0 {
		conn.SetRTT(rtt)
	}
}
