package netcode

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/netcode/connection"
	"github.com/opd-ai/netcode/reliable"
	"github.com/opd-ai/netcode/transport"
)

// testClock is a manually advanced clock shared by every manager in a
// test so timers fire deterministically.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func serverAddr() transport.MemoryAddr {
	return transport.MemoryAddr{Name: "server"}
}

func newTestManager(network *transport.MemoryNetwork, name string, clock *testClock, tune func(*Options)) *Manager {
	opts := NewOptions()
	opts.Transport = network.Endpoint(name)
	if tune != nil {
		tune(opts)
	}
	m := NewManager(opts)
	m.SetTimeProvider(clock)
	return m
}

// tick runs a few update rounds on every manager so in-flight packets
// propagate through the memory network.
func tick(n int, managers ...*Manager) {
	for i := 0; i < n; i++ {
		for _, m := range managers {
			m.Update()
		}
	}
}

// packetTypeOf extracts the envelope type byte from a serialized packet.
func packetTypeOf(data []byte) transport.PacketType {
	if len(data) < transport.HeaderSize {
		return 0
	}
	return transport.PacketType(data[6])
}

func TestServerClientHandshake(t *testing.T) {
	network := transport.NewMemoryNetwork()
	clock := newTestClock()
	server := newTestManager(network, "server", clock, nil)
	client := newTestManager(network, "client", clock, nil)

	var serverConnects, clientConnects []uint32
	server.OnConnect(func(id uint32) { serverConnects = append(serverConnects, id) })
	client.OnConnect(func(id uint32) { clientConnects = append(clientConnects, id) })

	require.NoError(t, server.StartServer())
	require.NoError(t, client.ConnectAddr(serverAddr()))
	assert.Equal(t, RoleServer, server.Role())
	assert.Equal(t, RoleClient, client.Role())

	tick(4, server, client)

	require.Len(t, serverConnects, 1, "server connect callback should fire exactly once")
	require.Len(t, clientConnects, 1, "client connect callback should fire exactly once")
	assert.Equal(t, serverConnects[0], clientConnects[0])
	assert.Equal(t, serverConnects[0], client.LocalConnectionID())

	state, ok := server.ConnectionState(serverConnects[0])
	require.True(t, ok)
	assert.Equal(t, connection.StateConnected, state)
	state, ok = client.ConnectionState(clientConnects[0])
	require.True(t, ok)
	assert.Equal(t, connection.StateConnected, state)

	server.Stop()
	client.Stop()
}

func TestServerFullDeniesConnection(t *testing.T) {
	network := transport.NewMemoryNetwork()
	clock := newTestClock()
	server := newTestManager(network, "server", clock, func(o *Options) { o.MaxConnections = 1 })
	first := newTestManager(network, "client1", clock, nil)
	second := newTestManager(network, "client2", clock, nil)

	var denied []DenyReason
	second.OnConnectFailed(func(reason DenyReason) { denied = append(denied, reason) })

	require.NoError(t, server.StartServer())
	require.NoError(t, first.ConnectAddr(serverAddr()))
	tick(4, server, first)
	require.Equal(t, 1, server.ConnectionCount())

	require.NoError(t, second.ConnectAddr(serverAddr()))
	tick(4, server, first, second)

	require.Len(t, denied, 1)
	assert.Equal(t, DenyReasonServerFull, denied[0])
	assert.Equal(t, 1, server.ConnectionCount(), "denied attempt must not add a table entry")
	assert.Equal(t, uint32(0), second.LocalConnectionID())

	server.Stop()
	first.Stop()
	second.Stop()
}

func TestDuplicateRequestDoesNotAddEntry(t *testing.T) {
	network := transport.NewMemoryNetwork()
	clock := newTestClock()
	server := newTestManager(network, "server", clock, nil)
	client := newTestManager(network, "client", clock, nil)

	connects := 0
	server.OnConnect(func(uint32) { connects++ })

	// Drop the first two accepts so the client keeps retrying its
	// request while the server already has an entry for it.
	var mu sync.Mutex
	droppedAccepts := 0
	network.SetLossFunc(func(from, to net.Addr, data []byte) bool {
		mu.Lock()
		defer mu.Unlock()
		if packetTypeOf(data) == transport.PacketConnectionAccepted && droppedAccepts < 2 {
			droppedAccepts++
			return true
		}
		return false
	})

	require.NoError(t, server.StartServer())
	require.NoError(t, client.ConnectAddr(serverAddr()))
	tick(2, server, client)
	require.Equal(t, 1, server.ConnectionCount())
	require.Equal(t, 1, client.ConnectionCount(), "pending entry while connecting")
	assert.Equal(t, uint32(0), client.LocalConnectionID())

	// Retry interval elapses twice; each resend hits an existing entry.
	clock.Advance(600 * time.Millisecond)
	tick(2, server, client)
	clock.Advance(600 * time.Millisecond)
	tick(4, server, client)

	assert.Equal(t, 1, server.ConnectionCount(), "duplicate requests must not add entries")
	assert.Equal(t, 1, connects, "duplicate requests must not fire a second connect callback")
	assert.NotZero(t, client.LocalConnectionID(), "handshake should complete once accepts pass")

	server.Stop()
	client.Stop()
}

func TestClientConnectTimeout(t *testing.T) {
	network := transport.NewMemoryNetwork()
	network.SetLossFunc(func(from, to net.Addr, data []byte) bool { return true })
	clock := newTestClock()
	server := newTestManager(network, "server", clock, nil)
	client := newTestManager(network, "client", clock, func(o *Options) {
		o.ConnectTimeoutMs = 2000
	})

	var failed []DenyReason
	client.OnConnectFailed(func(reason DenyReason) { failed = append(failed, reason) })

	require.NoError(t, server.StartServer())
	require.NoError(t, client.ConnectAddr(serverAddr()))

	for i := 0; i < 5; i++ {
		clock.Advance(500 * time.Millisecond)
		tick(1, server, client)
	}

	require.Len(t, failed, 1)
	assert.Equal(t, DenyReasonTimeout, failed[0])
	assert.Equal(t, 0, client.ConnectionCount())
	assert.Equal(t, 0, server.ConnectionCount())

	server.Stop()
	client.Stop()
}

func TestSilentConnectionTimesOut(t *testing.T) {
	network := transport.NewMemoryNetwork()
	clock := newTestClock()
	server := newTestManager(network, "server", clock, nil)
	client := newTestManager(network, "client", clock, nil)

	var disconnects []DisconnectReason
	server.OnDisconnect(func(id uint32, reason DisconnectReason) { disconnects = append(disconnects, reason) })

	require.NoError(t, server.StartServer())
	require.NoError(t, client.ConnectAddr(serverAddr()))
	tick(4, server, client)
	require.Equal(t, 1, server.ConnectionCount())

	// The client goes silent; only the server keeps ticking.
	clock.Advance(11 * time.Second)
	tick(2, server)

	require.Len(t, disconnects, 1)
	assert.Equal(t, DisconnectReasonTimeout, disconnects[0])
	assert.Empty(t, server.GetConnections())

	server.Stop()
	client.Stop()
}

func TestDataDelivery(t *testing.T) {
	network := transport.NewMemoryNetwork()
	clock := newTestClock()
	server := newTestManager(network, "server", clock, nil)
	client := newTestManager(network, "client", clock, nil)

	type received struct {
		id         uint32
		packetType transport.PacketType
		data       []byte
		channel    uint8
	}
	var got []received
	server.OnData(func(id uint32, packetType transport.PacketType, data []byte, channel uint8) {
		got = append(got, received{id, packetType, append([]byte(nil), data...), channel})
	})

	require.NoError(t, server.StartServer())
	require.NoError(t, client.ConnectAddr(serverAddr()))
	tick(4, server, client)
	id := client.LocalConnectionID()
	require.NotZero(t, id)

	require.NoError(t, client.Send(id, []byte("hello"), reliable.ReliableOrdered, 0))
	require.NoError(t, client.SendPacket(id, transport.PacketRPC, []byte("rpc"), reliable.Reliable, 2))
	tick(4, server, client)

	require.Len(t, got, 2)
	assert.Equal(t, id, got[0].id)
	assert.Equal(t, transport.PacketUserData, got[0].packetType)
	assert.Equal(t, []byte("hello"), got[0].data)
	assert.Equal(t, uint8(0), got[0].channel)
	assert.Equal(t, transport.PacketRPC, got[1].packetType)
	assert.Equal(t, []byte("rpc"), got[1].data)
	assert.Equal(t, uint8(2), got[1].channel)

	server.Stop()
	client.Stop()
}

func TestDataQueuedWithoutCallback(t *testing.T) {
	network := transport.NewMemoryNetwork()
	clock := newTestClock()
	server := newTestManager(network, "server", clock, nil)
	client := newTestManager(network, "client", clock, nil)

	require.NoError(t, server.StartServer())
	require.NoError(t, client.ConnectAddr(serverAddr()))
	tick(4, server, client)
	id := client.LocalConnectionID()
	require.NotZero(t, id)

	require.NoError(t, client.Send(id, []byte("queued"), reliable.Reliable, 1))
	tick(4, server, client)

	payload, ok := server.ReceiveIncoming(id)
	require.True(t, ok)
	assert.Equal(t, []byte("queued"), payload.Data)
	assert.Equal(t, uint8(1), payload.Channel)

	_, ok = server.ReceiveIncoming(id)
	assert.False(t, ok)

	server.Stop()
	client.Stop()
}

func TestBroadcastReachesAllClients(t *testing.T) {
	network := transport.NewMemoryNetwork()
	clock := newTestClock()
	server := newTestManager(network, "server", clock, nil)
	first := newTestManager(network, "client1", clock, nil)
	second := newTestManager(network, "client2", clock, nil)

	var mu sync.Mutex
	receivedBy := make(map[string][]byte)
	first.OnData(func(id uint32, packetType transport.PacketType, data []byte, channel uint8) {
		mu.Lock()
		defer mu.Unlock()
		receivedBy["client1"] = append([]byte(nil), data...)
	})
	second.OnData(func(id uint32, packetType transport.PacketType, data []byte, channel uint8) {
		mu.Lock()
		defer mu.Unlock()
		receivedBy["client2"] = append([]byte(nil), data...)
	})

	require.NoError(t, server.StartServer())
	require.NoError(t, first.ConnectAddr(serverAddr()))
	require.NoError(t, second.ConnectAddr(serverAddr()))
	tick(4, server, first, second)
	require.Equal(t, 2, server.ConnectionCount())

	server.Broadcast([]byte("state"), reliable.Reliable, 0)
	tick(4, server, first, second)

	assert.Equal(t, []byte("state"), receivedBy["client1"])
	assert.Equal(t, []byte("state"), receivedBy["client2"])

	server.Stop()
	first.Stop()
	second.Stop()
}

func TestStopNotifiesPeers(t *testing.T) {
	network := transport.NewMemoryNetwork()
	clock := newTestClock()
	server := newTestManager(network, "server", clock, nil)
	client := newTestManager(network, "client", clock, nil)

	var reasons []DisconnectReason
	client.OnDisconnect(func(id uint32, reason DisconnectReason) { reasons = append(reasons, reason) })

	require.NoError(t, server.StartServer())
	require.NoError(t, client.ConnectAddr(serverAddr()))
	tick(4, server, client)
	require.Equal(t, 1, server.ConnectionCount())

	server.Stop()
	assert.False(t, server.IsActive())
	assert.Equal(t, RoleNone, server.Role())
	assert.Equal(t, 0, server.ConnectionCount())

	tick(2, client)
	require.Len(t, reasons, 1)
	assert.Equal(t, DisconnectReasonServerShutdown, reasons[0])
	assert.Equal(t, 0, client.ConnectionCount())

	client.Stop()
}

func TestHostLoopback(t *testing.T) {
	network := transport.NewMemoryNetwork()
	clock := newTestClock()
	host := newTestManager(network, "server", clock, nil)

	var connects []uint32
	host.OnConnect(func(id uint32) { connects = append(connects, id) })

	var got []byte
	host.OnData(func(id uint32, packetType transport.PacketType, data []byte, channel uint8) {
		got = append([]byte(nil), data...)
	})

	require.NoError(t, host.StartHost())
	assert.Equal(t, RoleHost, host.Role())
	require.Len(t, connects, 1)
	loopID := host.LoopbackConnectionID()
	assert.Equal(t, connects[0], loopID)

	state, ok := host.ConnectionState(loopID)
	require.True(t, ok)
	assert.Equal(t, connection.StateConnected, state)

	require.NoError(t, host.Send(loopID, []byte("local"), reliable.Reliable, 0))
	host.Update()
	assert.Equal(t, []byte("local"), got)

	host.Stop()
}

func TestHostAcceptsRemoteClients(t *testing.T) {
	network := transport.NewMemoryNetwork()
	clock := newTestClock()
	host := newTestManager(network, "server", clock, nil)
	client := newTestManager(network, "client", clock, nil)

	require.NoError(t, host.StartHost())
	require.NoError(t, client.ConnectAddr(serverAddr()))
	tick(4, host, client)

	assert.Equal(t, 2, host.ConnectionCount(), "loopback plus one remote")
	assert.NotZero(t, client.LocalConnectionID())

	host.Stop()
	client.Stop()
}

func TestSendErrors(t *testing.T) {
	network := transport.NewMemoryNetwork()
	clock := newTestClock()
	server := newTestManager(network, "server", clock, nil)

	err := server.Send(1, []byte("x"), reliable.Reliable, 0)
	assert.ErrorIs(t, err, ErrNotActive)

	require.NoError(t, server.StartServer())

	err = server.Send(99, []byte("x"), reliable.Reliable, 0)
	assert.ErrorIs(t, err, ErrUnknownConnection)

	err = server.Send(1, []byte("x"), reliable.Reliable, 200)
	assert.Error(t, err)

	assert.ErrorIs(t, server.StartServer(), ErrAlreadyActive)

	server.Stop()
}

func TestPingPongMeasuresRTT(t *testing.T) {
	network := transport.NewMemoryNetwork()
	clock := newTestClock()
	server := newTestManager(network, "server", clock, nil)
	client := newTestManager(network, "client", clock, nil)

	require.NoError(t, server.StartServer())
	require.NoError(t, client.ConnectAddr(serverAddr()))
	tick(4, server, client)
	id := client.LocalConnectionID()
	require.NotZero(t, id)

	// Keep-alive interval elapses; the server pings, the client pongs
	// after simulated network delay.
	clock.Advance(1100 * time.Millisecond)
	tick(1, server)
	tick(1, client)
	clock.Advance(20 * time.Millisecond)
	tick(1, server)

	stats, ok := server.ConnectionStats(id)
	require.True(t, ok)
	assert.Equal(t, 20*time.Millisecond, stats.RTT)

	server.Stop()
	client.Stop()
}

func TestManagerRestartAfterStop(t *testing.T) {
	network := transport.NewMemoryNetwork()
	clock := newTestClock()

	opts := NewOptions()
	opts.Transport = network.Endpoint("server")
	server := NewManager(opts)
	server.SetTimeProvider(clock)

	require.NoError(t, server.StartServer())
	server.Stop()

	// The memory endpoint can be re-initialized after Close.
	require.NoError(t, server.StartServer())
	assert.True(t, server.IsActive())
	server.Stop()
}

func TestReliableFrameFromUnknownPeerIgnored(t *testing.T) {
	network := transport.NewMemoryNetwork()
	clock := newTestClock()
	server := newTestManager(network, "server", clock, nil)
	require.NoError(t, server.StartServer())

	// A well-formed reliable frame from an address that never completed a
	// handshake must not allocate per-peer reliable state.
	rogue := network.Endpoint("rogue")
	require.NoError(t, rogue.Initialize(transport.Config{}))
	header := &reliable.Header{Kind: reliable.FrameData, Mode: reliable.ReliableOrdered}
	frame := append(header.Serialize(nil), byte(transport.PacketUserData), 'x')
	data, err := transport.NewPacket(transport.PacketReliableData, 0, frame).Serialize()
	require.NoError(t, err)
	require.NoError(t, rogue.SendTo(serverAddr(), data))

	server.Update()

	_, tracked := server.endpoint.StatsFor(transport.MemoryAddr{Name: "rogue"})
	assert.False(t, tracked, "no reliable state for unestablished peers")
	assert.Zero(t, server.ConnectionCount())
	server.Stop()
}
