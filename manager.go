package netcode

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/netcode/connection"
	"github.com/opd-ai/netcode/limits"
	"github.com/opd-ai/netcode/reliable"
	"github.com/opd-ai/netcode/transport"
)

var (
	// ErrAlreadyActive indicates a Start/Connect call on a running manager.
	ErrAlreadyActive = errors.New("manager already active")

	// ErrNotActive indicates an operation requiring a started manager.
	ErrNotActive = errors.New("manager not active")

	// ErrUnknownConnection indicates a connection id not in the table.
	ErrUnknownConnection = errors.New("unknown connection")

	// ErrNotConnected indicates a send to a connection that is not in the
	// Connected state.
	ErrNotConnected = errors.New("connection not in connected state")
)

// clientPendingID is the placeholder table key for a client connection
// whose server-assigned id has not arrived yet. Servers assign ids
// starting at 1, so 0 never collides.
const clientPendingID uint32 = 0

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
}

type defaultTimeProvider struct{}

func (defaultTimeProvider) Now() time.Time { return time.Now() }

// ConnectCallback fires when a connection reaches the Connected state.
type ConnectCallback func(connectionID uint32)

// DisconnectCallback fires when a connection is removed.
type DisconnectCallback func(connectionID uint32, reason DisconnectReason)

// DataCallback fires for every application payload delivered by the
// reliable layer.
type DataCallback func(connectionID uint32, packetType transport.PacketType, data []byte, channel uint8)

// ConnectFailedCallback fires when a client's connection attempt is
// denied or times out.
type ConnectFailedCallback func(reason DenyReason)

// Manager owns the connection table and drives the protocol for one
// endpoint, in the server, client, or host role.
//
// All methods are safe for concurrent use, but the protocol itself is
// advanced only by Update, which the application calls once per tick.
type Manager struct {
	opts     *Options
	endpoint *reliable.Endpoint

	mu              sync.Mutex
	tr              transport.Transport
	role            Role
	active          bool
	connections     map[uint32]*connection.Connection
	byAddr          map[string]uint32
	nextConnID      uint32
	localConnID     uint32
	loopbackID      uint32
	serverAddr      net.Addr
	connectStarted  time.Time
	lastRequestSent time.Time
	lastKeepAlive   time.Time
	timeProvider    TimeProvider

	onConnect       ConnectCallback
	onDisconnect    DisconnectCallback
	onData          DataCallback
	onConnectFailed ConnectFailedCallback

	metrics           *Metrics
	lastEndpointStats reliable.Stats
}

// NewManager creates an inactive Manager. Call StartServer, StartHost, or
// Connect to bring it up.
func NewManager(opts *Options) *Manager {
	if opts == nil {
		opts = NewOptions()
	}
	m := &Manager{
		opts:         opts,
		connections:  make(map[uint32]*connection.Connection),
		byAddr:       make(map[string]uint32),
		nextConnID:   1,
		timeProvider: defaultTimeProvider{},
	}
	m.endpoint = reliable.NewEndpoint(m.reliableSend, opts.Reliability)
	return m
}

// SetTimeProvider injects a clock for deterministic testing. It applies to
// the manager, the reliable layer, and every existing connection.
func (m *Manager) SetTimeProvider(tp TimeProvider) {
	if tp == nil {
		return
	}
	m.mu.Lock()
	m.timeProvider = tp
	conns := m.connectionList()
	m.mu.Unlock()

	m.endpoint.SetTimeProvider(tp)
	for _, c := range conns {
		c.SetTimeProvider(tp)
	}
}

// SetMetrics attaches prometheus instrumentation, fed on every Update.
func (m *Manager) SetMetrics(metrics *Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = metrics
}

// OnConnect registers the connection-established callback.
func (m *Manager) OnConnect(cb ConnectCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnect = cb
}

// OnDisconnect registers the connection-removed callback.
func (m *Manager) OnDisconnect(cb DisconnectCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisconnect = cb
}

// OnData registers the application payload callback. When no callback is
// registered, payloads are queued on the connection's incoming queue
// instead.
func (m *Manager) OnData(cb DataCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onData = cb
}

// OnConnectFailed registers the failed-connection-attempt callback.
func (m *Manager) OnConnectFailed(cb ConnectFailedCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnectFailed = cb
}

// Role returns the manager's current role.
func (m *Manager) Role() Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

// IsActive reports whether the manager has been started.
func (m *Manager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// LocalConnectionID returns the id the server assigned to this client,
// zero before the handshake completes.
func (m *Manager) LocalConnectionID() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localConnID
}

// LoopbackConnectionID returns the host's implicit local connection id,
// zero for other roles.
func (m *Manager) LoopbackConnectionID() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loopbackID
}

// startTransport binds the transport shared by every role.
// Caller holds the lock.
func (m *Manager) startTransport() error {
	tr := m.opts.Transport
	if tr == nil {
		tr = transport.NewUDPTransport()
	}
	err := tr.Initialize(transport.Config{
		ListenAddress:     m.opts.ListenAddress,
		EnableEncryption:  m.opts.EnableEncryption,
		EnableCompression: m.opts.EnableCompression,
	})
	if err != nil {
		return err
	}
	m.tr = tr
	return nil
}

// StartServer binds the listen address and begins accepting connections.
func (m *Manager) StartServer() error {
	return m.startServing(RoleServer)
}

// StartHost starts a server with an implicit local loopback connection
// that is Connected immediately.
func (m *Manager) StartHost() error {
	if err := m.startServing(RoleHost); err != nil {
		return err
	}

	m.mu.Lock()
	id := m.nextConnID
	m.nextConnID++
	conn := connection.New(id, m.tr.LocalAddr(), connection.StateConnected, m.opts.ConnectionTimeoutMs)
	conn.SetTimeProvider(m.timeProvider)
	m.connections[id] = conn
	m.loopbackID = id
	cb := m.onConnect
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":      "StartHost",
		"connection_id": id,
	}).Info("Loopback connection established")
	if cb != nil {
		cb(id)
	}
	return nil
}

func (m *Manager) startServing(role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active {
		return ErrAlreadyActive
	}
	if err := m.startTransport(); err != nil {
		return err
	}
	m.role = role
	m.active = true
	m.lastKeepAlive = m.timeProvider.Now()

	logrus.WithFields(logrus.Fields{
		"function":        "StartServer",
		"role":            role.String(),
		"listen":          m.tr.LocalAddr().String(),
		"max_connections": m.opts.MaxConnections,
	}).Info("Manager started")
	return nil
}

// Connect starts the client role and begins the handshake with the server
// at host:port. The result arrives through OnConnect or OnConnectFailed.
func (m *Manager) Connect(host string, port uint16) error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return err
	}
	return m.ConnectAddr(addr)
}

// ConnectAddr is Connect with a pre-resolved address, which also permits
// non-UDP transports.
func (m *Manager) ConnectAddr(addr net.Addr) error {
	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		return ErrAlreadyActive
	}
	if err := m.startTransport(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.role = RoleClient
	m.active = true
	m.serverAddr = addr
	now := m.timeProvider.Now()
	m.connectStarted = now
	m.lastRequestSent = now
	m.lastKeepAlive = now

	conn := connection.New(clientPendingID, addr, connection.StateConnecting, m.opts.ConnectionTimeoutMs)
	conn.SetTimeProvider(m.timeProvider)
	m.connections[clientPendingID] = conn
	m.byAddr[addr.String()] = clientPendingID
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"server":   addr.String(),
	}).Info("Connecting to server")

	m.sendControl(addr, transport.PacketConnectionRequest, 0, nil)
	return nil
}

// Update advances the protocol one tick: receive and route packets,
// deliver completed payloads, drive handshakes and timers, flush outgoing
// queues, and run the retransmission sweep.
func (m *Manager) Update() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	pollTimeout := m.opts.PollTimeoutMs
	tr := m.tr
	m.mu.Unlock()

	tr.Poll(pollTimeout)
	m.receivePackets(tr)
	m.deliverPayloads()
	m.updateClientHandshake()
	m.updateConnections()
	m.flushOutgoing()
	m.endpoint.Update()
	m.updateMetrics()
}

// receivePackets drains the transport queue, validating envelopes and
// routing control packets and reliable frames.
func (m *Manager) receivePackets(tr transport.Transport) {
	for {
		recv, ok := tr.ReceiveFrom()
		if !ok {
			return
		}

		pkt, err := transport.ParsePacket(recv.Data)
		if err != nil {
			// Corruption or non-protocol traffic: drop silently.
			logrus.WithFields(logrus.Fields{
				"function": "receivePackets",
				"remote":   recv.Addr.String(),
				"error":    err.Error(),
			}).Debug("Dropping unparseable packet")
			continue
		}
		if !pkt.Header.IsCompatibleVersion() {
			logrus.WithFields(logrus.Fields{
				"function": "receivePackets",
				"remote":   recv.Addr.String(),
				"version":  pkt.Header.Version,
			}).Warn("Dropping packet with incompatible protocol version")
			if pkt.Header.Type == transport.PacketConnectionRequest {
				m.sendControl(recv.Addr, transport.PacketConnectionDenied, 0,
					[]byte{byte(DenyReasonIncompatibleVersion)})
			}
			continue
		}

		conn := m.connByAddr(recv.Addr)
		if conn != nil {
			conn.Touch()
			conn.RecordReceived(len(recv.Data))
		}

		switch {
		case pkt.Header.Type.IsControl():
			m.handleControl(recv.Addr, pkt)
		case pkt.Header.Type.IsReliableFraming():
			// Only established peers get reliable endpoint state; anything
			// else could grow it without bound.
			if conn == nil {
				logrus.WithFields(logrus.Fields{
					"function": "receivePackets",
					"remote":   recv.Addr.String(),
				}).Debug("Dropping reliable frame from unknown peer")
				continue
			}
			if err := m.endpoint.ProcessFrame(recv.Addr, pkt.Payload); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "receivePackets",
					"remote":   recv.Addr.String(),
					"error":    err.Error(),
				}).Debug("Dropping malformed reliable frame")
			}
		default:
			logrus.WithFields(logrus.Fields{
				"function": "receivePackets",
				"remote":   recv.Addr.String(),
				"type":     pkt.Header.Type,
			}).Debug("Dropping packet with unroutable type")
		}
	}
}

// deliverPayloads drains the reliable layer's completed payloads and hands
// them to the data callback or the connection's incoming queue.
func (m *Manager) deliverPayloads() {
	for {
		d, ok := m.endpoint.NextDelivery()
		if !ok {
			return
		}
		if len(d.Payload) < 1 {
			continue
		}
		packetType := transport.PacketType(d.Payload[0])
		data := d.Payload[1:]

		m.mu.Lock()
		id, known := m.byAddr[d.Addr.String()]
		conn := m.connections[id]
		cb := m.onData
		m.mu.Unlock()

		if !known || conn == nil {
			logrus.WithFields(logrus.Fields{
				"function": "deliverPayloads",
				"remote":   d.Addr.String(),
			}).Debug("Dropping payload from unknown address")
			continue
		}

		if cb != nil {
			cb(id, packetType, data, d.Channel)
		} else {
			conn.EnqueueIncoming(data, d.Channel)
		}
	}
}

// updateClientHandshake resends the connection request while connecting
// and fails the attempt after the configured timeout.
func (m *Manager) updateClientHandshake() {
	m.mu.Lock()
	if m.role != RoleClient || m.localConnID != 0 || m.serverAddr == nil {
		m.mu.Unlock()
		return
	}
	conn := m.connections[clientPendingID]
	if conn == nil || conn.State() != connection.StateConnecting {
		m.mu.Unlock()
		return
	}

	now := m.timeProvider.Now()
	if now.Sub(m.connectStarted) >= time.Duration(m.opts.ConnectTimeoutMs)*time.Millisecond {
		delete(m.connections, clientPendingID)
		delete(m.byAddr, m.serverAddr.String())
		cb := m.onConnectFailed
		m.mu.Unlock()

		conn.SetState(connection.StateFailed)
		logrus.WithFields(logrus.Fields{
			"function": "updateClientHandshake",
			"server":   conn.RemoteAddr.String(),
		}).Warn("Connection attempt timed out")
		if cb != nil {
			cb(DenyReasonTimeout)
		}
		return
	}

	var resend net.Addr
	if now.Sub(m.lastRequestSent) >= time.Duration(m.opts.ConnectRetryMs)*time.Millisecond {
		m.lastRequestSent = now
		resend = m.serverAddr
	}
	m.mu.Unlock()

	if resend != nil {
		m.sendControl(resend, transport.PacketConnectionRequest, 0, nil)
	}
}

// updateConnections advances per-connection timers, removes timed-out
// connections, and emits keep-alive pings.
func (m *Manager) updateConnections() {
	m.mu.Lock()
	conns := m.connectionList()
	loopback := m.loopbackID
	now := m.timeProvider.Now()
	keepAlive := now.Sub(m.lastKeepAlive) >= time.Duration(m.opts.KeepAliveIntervalMs)*time.Millisecond
	if keepAlive {
		m.lastKeepAlive = now
	}
	m.mu.Unlock()

	for _, conn := range conns {
		if conn.ID == loopback && loopback != 0 {
			continue
		}
		if conn.Update() {
			m.removeConnection(conn, DisconnectReasonTimeout, false)
			continue
		}
		if keepAlive && conn.State() == connection.StateConnected {
			m.sendPing(conn)
		}
		if rtt := m.endpoint.RTT(conn.RemoteAddr); rtt > 0 {
			conn.SetRTT(rtt)
		}
	}
}

// flushOutgoing drains every connection's outgoing queue into the
// reliable layer; loopback payloads short-circuit the wire.
func (m *Manager) flushOutgoing() {
	m.mu.Lock()
	conns := m.connectionList()
	loopback := m.loopbackID
	m.mu.Unlock()

	for _, conn := range conns {
		if conn.State() != connection.StateConnected {
			continue
		}
		outgoing := conn.DrainOutgoing()
		for _, p := range outgoing {
			if conn.ID == loopback && loopback != 0 {
				m.deliverLoopback(conn, p)
				continue
			}
			if err := m.endpoint.Send(conn.RemoteAddr, p.Data, p.Mode, p.Channel); err != nil {
				logrus.WithFields(logrus.Fields{
					"function":      "flushOutgoing",
					"connection_id": conn.ID,
					"error":         err.Error(),
				}).Warn("Failed to send queued payload")
			}
		}
	}
}

// deliverLoopback hands a host's local payload straight back to the
// application without touching the wire.
func (m *Manager) deliverLoopback(conn *connection.Connection, p connection.OutgoingPayload) {
	if len(p.Data) < 1 {
		return
	}
	packetType := transport.PacketType(p.Data[0])
	data := p.Data[1:]

	m.mu.Lock()
	cb := m.onData
	m.mu.Unlock()

	if cb != nil {
		cb(conn.ID, packetType, data, p.Channel)
	} else {
		conn.EnqueueIncoming(data, p.Channel)
	}
}

// Send queues data as a generic user payload on the given connection.
func (m *Manager) Send(connectionID uint32, data []byte, mode reliable.DeliveryMode, channel uint8) error {
	return m.SendPacket(connectionID, transport.PacketUserData, data, mode, channel)
}

// SendPacket queues data with an explicit user packet type. The payload is
// handed to the reliable layer on the next Update.
func (m *Manager) SendPacket(connectionID uint32, packetType transport.PacketType, data []byte, mode reliable.DeliveryMode, channel uint8) error {
	if err := limits.ValidateChannel(channel); err != nil {
		return err
	}

	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return ErrNotActive
	}
	conn := m.connections[connectionID]
	m.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("%w: id %d", ErrUnknownConnection, connectionID)
	}
	if conn.State() != connection.StateConnected {
		return fmt.Errorf("%w: id %d in state %s", ErrNotConnected, connectionID, conn.State())
	}

	wrapped := make([]byte, 1+len(data))
	wrapped[0] = byte(packetType)
	copy(wrapped[1:], data)
	conn.EnqueueOutgoing(wrapped, mode, channel)
	return nil
}

// Broadcast queues data for every connected peer.
func (m *Manager) Broadcast(data []byte, mode reliable.DeliveryMode, channel uint8) {
	m.BroadcastPacket(transport.PacketUserData, data, mode, channel)
}

// BroadcastPacket queues a typed payload for every connected peer.
func (m *Manager) BroadcastPacket(packetType transport.PacketType, data []byte, mode reliable.DeliveryMode, channel uint8) {
	m.mu.Lock()
	conns := m.connectionList()
	m.mu.Unlock()

	for _, conn := range conns {
		if conn.State() != connection.StateConnected {
			continue
		}
		if err := m.SendPacket(conn.ID, packetType, data, mode, channel); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":      "BroadcastPacket",
				"connection_id": conn.ID,
				"error":         err.Error(),
			}).Warn("Broadcast to connection failed")
		}
	}
}

// Disconnect closes one connection with the given reason and notifies the
// peer.
func (m *Manager) Disconnect(connectionID uint32, reason DisconnectReason) error {
	m.mu.Lock()
	conn := m.connections[connectionID]
	m.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("%w: id %d", ErrUnknownConnection, connectionID)
	}
	m.removeConnection(conn, reason, true)
	return nil
}

// Stop disconnects every connection, clears all reliable state, and
// resets the role. The manager can be started again afterwards.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	reason := DisconnectReasonUserRequested
	if m.role == RoleServer || m.role == RoleHost {
		reason = DisconnectReasonServerShutdown
	}
	conns := m.connectionList()
	loopback := m.loopbackID
	tr := m.tr
	cb := m.onDisconnect

	m.active = false
	m.role = RoleNone
	m.connections = make(map[uint32]*connection.Connection)
	m.byAddr = make(map[string]uint32)
	m.localConnID = 0
	m.loopbackID = 0
	m.serverAddr = nil
	m.tr = nil
	m.mu.Unlock()

	for _, conn := range conns {
		if conn.State() == connection.StateConnected && conn.ID != loopback {
			m.sendControlVia(tr, conn.RemoteAddr, transport.PacketDisconnect, conn.ID, []byte{byte(reason)})
		}
		conn.SetState(connection.StateDisconnected)
		if cb != nil {
			cb(conn.ID, reason)
		}
	}

	m.endpoint.Reset()
	if tr != nil {
		_ = tr.Close()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
		"reason":   reason.String(),
	}).Info("Manager stopped")
}

// GetConnections returns the ids of every connection currently in the
// table.
func (m *Manager) GetConnections() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]uint32, 0, len(m.connections))
	for id := range m.connections {
		ids = append(ids, id)
	}
	return ids
}

// ConnectionCount returns the number of table entries.
func (m *Manager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connections)
}

// ConnectionState returns the state of one connection.
func (m *Manager) ConnectionState(connectionID uint32) (connection.State, bool) {
	m.mu.Lock()
	conn := m.connections[connectionID]
	m.mu.Unlock()

	if conn == nil {
		return connection.StateDisconnected, false
	}
	return conn.State(), true
}

// ConnectionStats returns a statistics snapshot for one connection.
func (m *Manager) ConnectionStats(connectionID uint32) (connection.Stats, bool) {
	m.mu.Lock()
	conn := m.connections[connectionID]
	m.mu.Unlock()

	if conn == nil {
		return connection.Stats{}, false
	}
	return conn.Stats(), true
}

// ReceiveIncoming pops one queued payload for a connection when no data
// callback is registered.
func (m *Manager) ReceiveIncoming(connectionID uint32) (connection.IncomingPayload, bool) {
	m.mu.Lock()
	conn := m.connections[connectionID]
	m.mu.Unlock()

	if conn == nil {
		return connection.IncomingPayload{}, false
	}
	return conn.ReceiveIncoming()
}

// connectionList snapshots the table. Caller holds the lock.
func (m *Manager) connectionList() []*connection.Connection {
	conns := make([]*connection.Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	return conns
}

func (m *Manager) connByAddr(addr net.Addr) *connection.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byAddr[addr.String()]
	if !ok {
		return nil
	}
	return m.connections[id]
}

// removeConnection deletes a connection from the table, clears its
// reliable state, and fires the disconnect callback. When notifyPeer is
// set a Disconnect control packet is sent first.
func (m *Manager) removeConnection(conn *connection.Connection, reason DisconnectReason, notifyPeer bool) {
	m.mu.Lock()
	if _, ok := m.connections[conn.ID]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.connections, conn.ID)
	if id, ok := m.byAddr[conn.RemoteAddr.String()]; ok && id == conn.ID {
		delete(m.byAddr, conn.RemoteAddr.String())
	}
	if m.loopbackID == conn.ID {
		m.loopbackID = 0
	}
	if m.localConnID == conn.ID {
		m.localConnID = 0
	}
	cb := m.onDisconnect
	m.mu.Unlock()

	if notifyPeer && conn.State() == connection.StateConnected {
		m.sendControl(conn.RemoteAddr, transport.PacketDisconnect, conn.ID, []byte{byte(reason)})
	}
	switch reason {
	case DisconnectReasonTimeout:
		conn.SetState(connection.StateTimedOut)
	default:
		conn.SetState(connection.StateDisconnected)
	}
	m.endpoint.ClearPeer(conn.RemoteAddr)

	logrus.WithFields(logrus.Fields{
		"function":      "removeConnection",
		"connection_id": conn.ID,
		"remote":        conn.RemoteAddr.String(),
		"reason":        reason.String(),
	}).Info("Connection removed")
	if cb != nil {
		cb(conn.ID, reason)
	}
}

// reliableSend wraps a reliable frame in the packet envelope and hands it
// to the transport. It is the Endpoint's SendFunc.
func (m *Manager) reliableSend(addr net.Addr, kind reliable.FrameKind, frame []byte) error {
	var packetType transport.PacketType
	switch kind {
	case reliable.FrameFragment:
		packetType = transport.PacketFragment
	case reliable.FrameAck:
		packetType = transport.PacketReliableAck
	default:
		packetType = transport.PacketReliableData
	}

	m.mu.Lock()
	tr := m.tr
	id := m.byAddr[addr.String()]
	conn := m.connections[id]
	m.mu.Unlock()

	if tr == nil {
		return ErrNotActive
	}

	pkt := transport.NewPacket(packetType, id, frame)
	data, err := pkt.Serialize()
	if err != nil {
		return err
	}
	if err := tr.SendTo(addr, data); err != nil {
		return err
	}
	if conn != nil {
		conn.RecordSent(len(data))
	}
	return nil
}

// sendControl transmits one control packet through the current transport.
func (m *Manager) sendControl(addr net.Addr, packetType transport.PacketType, connectionID uint32, payload []byte) {
	m.mu.Lock()
	tr := m.tr
	m.mu.Unlock()
	m.sendControlVia(tr, addr, packetType, connectionID, payload)
}

func (m *Manager) sendControlVia(tr transport.Transport, addr net.Addr, packetType transport.PacketType, connectionID uint32, payload []byte) {
	if tr == nil {
		return
	}
	pkt := transport.NewPacket(packetType, connectionID, payload)
	data, err := pkt.Serialize()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendControl",
			"type":     packetType,
			"error":    err.Error(),
		}).Error("Failed to serialize control packet")
		return
	}
	if err := tr.SendTo(addr, data); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendControl",
			"remote":   addr.String(),
			"type":     packetType,
			"error":    err.Error(),
		}).Warn("Failed to send control packet")
		return
	}
	if conn := m.connByAddr(addr); conn != nil {
		conn.RecordSent(len(data))
	}
}
