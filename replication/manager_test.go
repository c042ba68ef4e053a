package replication

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/netcode/bitstream"
	"github.com/opd-ai/netcode/reliable"
	"github.com/opd-ai/netcode/transport"
)

type sentPacket struct {
	packetType transport.PacketType
	data       []byte
	mode       reliable.DeliveryMode
	channel    uint8
}

// mockSender records broadcasts instead of touching a network.
type mockSender struct {
	mu   sync.Mutex
	sent []sentPacket
}

func (s *mockSender) SendPacket(connectionID uint32, packetType transport.PacketType, data []byte, mode reliable.DeliveryMode, channel uint8) error {
	s.record(packetType, data, mode, channel)
	return nil
}

func (s *mockSender) BroadcastPacket(packetType transport.PacketType, data []byte, mode reliable.DeliveryMode, channel uint8) {
	s.record(packetType, data, mode, channel)
}

func (s *mockSender) record(packetType transport.PacketType, data []byte, mode reliable.DeliveryMode, channel uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentPacket{packetType, append([]byte(nil), data...), mode, channel})
}

func (s *mockSender) take() []sentPacket {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sent
	s.sent = nil
	return out
}

type replClock struct {
	mu  sync.Mutex
	now time.Time
}

func newReplClock() *replClock { return &replClock{now: time.Unix(1_700_000_000, 0)} }

func (c *replClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *replClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// entity is the test NetObject: a position plus health, replicated
// through a PropertyReplicator.
type entity struct {
	vec
	rep *PropertyReplicator

	spawnedAs  []uint32
	despawned  int
	authority  []bool
	ownerCalls []uint32
}

func newEntity() *entity {
	e := &entity{}
	e.rep = newVecReplicator(&e.vec)
	return e
}

func (e *entity) TypeName() string { return "test.entity" }

func (e *entity) SerializeState(w *bitstream.Writer) error { return e.rep.SerializeAll(w) }
func (e *entity) DeserializeState(r *bitstream.Reader) error {
	return e.rep.DeserializeAll(r)
}

func (e *entity) SerializeDelta(w *bitstream.Writer) error {
	e.rep.DetectChanges()
	return e.rep.SerializeDirty(w)
}

func (e *entity) DeserializeDelta(r *bitstream.Reader) error {
	_, err := e.rep.DeserializeDirty(r)
	return err
}

func (e *entity) OnNetworkSpawn(netID uint32) { e.spawnedAs = append(e.spawnedAs, netID) }
func (e *entity) OnNetworkDespawn() { e.despawned++ }
func (e *entity) OnAuthorityChanged(has bool) { e.authority = append(e.authority, has) }
func (e *entity) OnOwnershipChanged(ownerID uint32) { e.ownerCalls = append(e.ownerCalls, ownerID) }

func newEntityRegistry() *Registry {
	reg := NewRegistry()
	_ = reg.Register("test.entity", func() NetObject { return newEntity() })
	return reg
}

// pipe feeds every captured broadcast into a receiving manager.
func pipe(t *testing.T, from *mockSender, to *Manager) {
	t.Helper()
	for _, p := range from.take() {
		require.Equal(t, transport.PacketReplication, p.packetType)
		require.NoError(t, to.HandlePacket(p.data))
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("a", func() NetObject { return newEntity() }))
	require.NoError(t, reg.Register("b", func() NetObject { return newEntity() }))

	err := reg.Register("a", func() NetObject { return newEntity() })
	assert.ErrorIs(t, err, ErrTypeRegistered)

	obj, err := reg.Create("a")
	require.NoError(t, err)
	assert.Equal(t, "test.entity", obj.TypeName())

	_, err = reg.Create("missing")
	assert.ErrorIs(t, err, ErrUnknownType)

	assert.Equal(t, []string{"a", "b"}, reg.Types())
}

func TestSpawnAssignsSequentialIDs(t *testing.T) {
	sender := &mockSender{}
	m := NewManager(sender, newEntityRegistry(), Config{IsServer: true})

	first := newEntity()
	id, err := m.Spawn(first, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id, "first spawn gets net id 1")
	assert.Equal(t, []uint32{1}, first.spawnedAs)
	assert.Equal(t, []bool{true}, first.authority, "server spawns with authority")

	id, err = m.Spawn(newEntity(), 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), id)

	packets := sender.take()
	require.Len(t, packets, 2)
	assert.Equal(t, reliable.ReliableOrdered, packets[0].mode, "spawns ride reliable-ordered")
}

func TestSpawnDespawnScenario(t *testing.T) {
	serverSend := &mockSender{}
	server := NewManager(serverSend, newEntityRegistry(), Config{IsServer: true})
	client := NewManager(&mockSender{}, newEntityRegistry(), Config{})

	original := newEntity()
	original.X, original.Y, original.Health = 10, 20, 99
	id, err := server.Spawn(original, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(1), id)

	pipe(t, serverSend, client)

	inst, ok := client.Get(1)
	require.True(t, ok, "remote peer must create the object from its factory")
	remote, ok := inst.Object.(*entity)
	require.True(t, ok)
	assert.Equal(t, original.vec, remote.vec, "embedded initial state applies exactly")
	assert.Equal(t, []uint32{1}, remote.spawnedAs)
	assert.False(t, inst.HasAuthority)

	require.NoError(t, server.Despawn(1))
	pipe(t, serverSend, client)

	assert.Equal(t, 1, remote.despawned)
	assert.Zero(t, client.Count())
	assert.Equal(t, 1, original.despawned)
}

func TestPeriodicSyncBroadcastsFullState(t *testing.T) {
	clock := newReplClock()
	serverSend := &mockSender{}
	server := NewManager(serverSend, newEntityRegistry(), Config{IsServer: true})
	server.SetTimeProvider(clock)
	client := NewManager(&mockSender{}, newEntityRegistry(), Config{})

	obj := newEntity()
	obj.X = 1
	_, err := server.Spawn(obj, 0)
	require.NoError(t, err)
	pipe(t, serverSend, client)

	// Before the update rate elapses nothing is sent.
	server.Update()
	assert.Empty(t, serverSend.take())

	obj.X = 42
	clock.Advance(150 * time.Millisecond)
	server.Update()
	packets := serverSend.take()
	require.Len(t, packets, 1)
	assert.Equal(t, reliable.UnreliableSequenced, packets[0].mode, "normal priority is superseded, not queued")
	assert.Equal(t, opFull, packets[0].data[0], "normal priority carries full state")

	require.NoError(t, client.HandlePacket(packets[0].data))
	inst, _ := client.Get(1)
	assert.Equal(t, float32(42), inst.Object.(*entity).X)
}

func TestLostSyncConverges(t *testing.T) {
	clock := newReplClock()
	serverSend := &mockSender{}
	server := NewManager(serverSend, newEntityRegistry(), Config{IsServer: true})
	server.SetTimeProvider(clock)
	client := NewManager(&mockSender{}, newEntityRegistry(), Config{})

	obj := newEntity()
	_, err := server.Spawn(obj, 0)
	require.NoError(t, err)
	pipe(t, serverSend, client)

	// First sync never reaches the client.
	obj.X = 10
	clock.Advance(150 * time.Millisecond)
	server.Update()
	require.Len(t, serverSend.take(), 1)

	// The next sync alone must bring the client up to date, even though
	// the object did not change again in between.
	clock.Advance(150 * time.Millisecond)
	server.Update()
	packets := serverSend.take()
	require.Len(t, packets, 1)
	require.NoError(t, client.HandlePacket(packets[0].data))

	inst, _ := client.Get(1)
	assert.Equal(t, float32(10), inst.Object.(*entity).X)
}

func TestCriticalPrioritySyncsReliably(t *testing.T) {
	clock := newReplClock()
	serverSend := &mockSender{}
	server := NewManager(serverSend, newEntityRegistry(), Config{IsServer: true})
	server.SetTimeProvider(clock)

	_, err := server.SpawnWith(newEntity(), 0, SpawnConfig{Priority: PriorityCritical})
	require.NoError(t, err)
	serverSend.take()

	clock.Advance(150 * time.Millisecond)
	server.Update()
	packets := serverSend.take()
	require.Len(t, packets, 1)
	assert.Equal(t, reliable.ReliableOrdered, packets[0].mode)
}

func TestAuthorityGuard(t *testing.T) {
	client := NewManager(&mockSender{}, newEntityRegistry(), Config{})

	owned := newEntity()
	owned.X = 5
	id, err := client.SpawnWith(owned, 0, SpawnConfig{LocallyControlled: true})
	require.NoError(t, err)

	inst, _ := client.Get(id)
	require.True(t, inst.HasAuthority)

	// A remote full-state packet for the object we control.
	w := bitstream.NewWriter()
	w.WriteUint8(opFull)
	w.WriteUvarint(uint64(id))
	hostile := newEntity()
	hostile.X = 999
	require.NoError(t, hostile.SerializeState(w))

	require.NoError(t, client.HandlePacket(w.Bytes()))
	assert.Equal(t, float32(5), owned.X, "authoritative state must not be overwritten")
}

func TestTransferAuthority(t *testing.T) {
	serverSend := &mockSender{}
	server := NewManager(serverSend, newEntityRegistry(), Config{IsServer: true})
	client := NewManager(&mockSender{}, newEntityRegistry(), Config{})
	client.SetLocalConnectionID(5)

	obj := newEntity()
	id, err := server.Spawn(obj, 0)
	require.NoError(t, err)
	pipe(t, serverSend, client)

	require.NoError(t, server.TransferAuthority(id, 5))

	serverInst, _ := server.Get(id)
	assert.False(t, serverInst.HasAuthority, "server yields authority to the new owner")
	assert.Equal(t, []uint32{5}, obj.ownerCalls)
	assert.Equal(t, []bool{true, false}, obj.authority)

	packets := serverSend.take()
	require.Len(t, packets, 2, "transfer then forced full sync")
	for _, p := range packets {
		require.NoError(t, client.HandlePacket(p.data))
	}

	clientInst, _ := client.Get(id)
	assert.True(t, clientInst.HasAuthority, "new owner gains authority")
	assert.Equal(t, uint32(5), clientInst.OwnerID)

	remote := clientInst.Object.(*entity)
	assert.Contains(t, remote.authority, true)
}

func TestHandlePacketErrors(t *testing.T) {
	m := NewManager(&mockSender{}, newEntityRegistry(), Config{})

	assert.Error(t, m.HandlePacket(nil))

	w := bitstream.NewWriter()
	w.WriteUint8(200) // unknown op
	w.WriteUvarint(1)
	assert.ErrorIs(t, m.HandlePacket(w.Bytes()), ErrMalformedMessage)

	// Spawn referencing an unregistered type.
	w = bitstream.NewWriter()
	w.WriteUint8(opSpawn)
	w.WriteUvarint(7)
	w.WriteUvarint(0)
	w.WriteString("missing.type")
	assert.ErrorIs(t, m.HandlePacket(w.Bytes()), ErrUnknownType)

	// State for an unknown object is dropped, not an error.
	w = bitstream.NewWriter()
	w.WriteUint8(opDelta)
	w.WriteUvarint(99)
	assert.NoError(t, m.HandlePacket(w.Bytes()))

	assert.ErrorIs(t, m.Despawn(42), ErrUnknownObject)
	assert.ErrorIs(t, m.TransferAuthority(42, 1), ErrUnknownObject)
	assert.ErrorIs(t, m.SyncFull(42), ErrUnknownObject)
}

func TestDuplicateSpawnIgnored(t *testing.T) {
	serverSend := &mockSender{}
	server := NewManager(serverSend, newEntityRegistry(), Config{IsServer: true})
	client := NewManager(&mockSender{}, newEntityRegistry(), Config{})

	_, err := server.Spawn(newEntity(), 0)
	require.NoError(t, err)
	packets := serverSend.take()
	require.Len(t, packets, 1)

	require.NoError(t, client.HandlePacket(packets[0].data))
	require.NoError(t, client.HandlePacket(packets[0].data))
	assert.Equal(t, 1, client.Count())
}
