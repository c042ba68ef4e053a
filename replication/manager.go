package replication

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/netcode/bitstream"
	"github.com/opd-ai/netcode/reliable"
	"github.com/opd-ai/netcode/transport"
)

// Replication message opcodes, first field of every Replication packet.
const (
	opSpawn uint8 = iota + 1
	opDespawn
	opFull
	opDelta
	opTransfer
)

var (
	// ErrUnknownObject indicates a net id not in the object table.
	ErrUnknownObject = errors.New("unknown net object")

	// ErrMalformedMessage indicates a replication message that failed to
	// parse.
	ErrMalformedMessage = errors.New("malformed replication message")
)

// Sender is the slice of the connection manager the replication layer
// uses to move state.
type Sender interface {
	SendPacket(connectionID uint32, packetType transport.PacketType, data []byte, mode reliable.DeliveryMode, channel uint8) error
	BroadcastPacket(packetType transport.PacketType, data []byte, mode reliable.DeliveryMode, channel uint8)
}

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
}

type defaultTimeProvider struct{}

func (defaultTimeProvider) Now() time.Time { return time.Now() }

// Config tunes a replication manager.
type Config struct {
	// IsServer grants spawn authority and enables periodic state
	// broadcasts.
	IsServer bool

	// Channel is the reliable-layer channel replication traffic rides on.
	Channel uint8

	// DefaultUpdateRateMs is the minimum interval between periodic syncs
	// for objects that do not override it.
	DefaultUpdateRateMs int
}

// DefaultConfig returns the standard replication tuning.
func DefaultConfig() Config {
	return Config{DefaultUpdateRateMs: 100}
}

// Manager owns the netId to object table and drives spawn, despawn,
// periodic sync, and authority transfer.
type Manager struct {
	sender   Sender
	registry *Registry

	mu           sync.Mutex
	config       Config
	objects      map[uint32]*Instance
	nextNetID    uint32
	localConnID  uint32
	timeProvider TimeProvider
}

// NewManager creates a replication manager on top of a connection
// manager's send surface.
func NewManager(sender Sender, registry *Registry, config Config) *Manager {
	if config.DefaultUpdateRateMs <= 0 {
		config.DefaultUpdateRateMs = DefaultConfig().DefaultUpdateRateMs
	}
	return &Manager{
		sender:       sender,
		registry:     registry,
		config:       config,
		objects:      make(map[uint32]*Instance),
		nextNetID:    1,
		timeProvider: defaultTimeProvider{},
	}
}

// SetTimeProvider injects a clock for deterministic testing.
func (m *Manager) SetTimeProvider(tp TimeProvider) {
	if tp == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeProvider = tp
}

// SetLocalConnectionID records the id the server assigned to this peer,
// used to recompute authority for client-owned objects.
func (m *Manager) SetLocalConnectionID(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localConnID = id
}

// SpawnConfig tunes one object's sync behavior at spawn time.
type SpawnConfig struct {
	Priority          Priority
	UpdateRateMs      int
	LocallyControlled bool
}

// Spawn registers an object under the next net id and announces it to
// every peer when running as server. It returns the assigned id.
func (m *Manager) Spawn(object NetObject, ownerID uint32) (uint32, error) {
	return m.SpawnWith(object, ownerID, SpawnConfig{})
}

// SpawnWith is Spawn with explicit priority, update rate, and local
// control.
func (m *Manager) SpawnWith(object NetObject, ownerID uint32, cfg SpawnConfig) (uint32, error) {
	m.mu.Lock()
	netID := m.nextNetID
	m.nextNetID++

	inst := &Instance{
		Object:            object,
		NetID:             netID,
		OwnerID:           ownerID,
		LocallyControlled: cfg.LocallyControlled,
		Priority:          cfg.Priority,
		UpdateRateMs:      cfg.UpdateRateMs,
		lastSync:          m.timeProvider.Now(),
	}
	if inst.UpdateRateMs <= 0 {
		inst.UpdateRateMs = m.config.DefaultUpdateRateMs
	}
	inst.HasAuthority = m.config.IsServer || cfg.LocallyControlled
	m.objects[netID] = inst
	isServer := m.config.IsServer
	channel := m.config.Channel
	m.mu.Unlock()

	object.OnNetworkSpawn(netID)
	object.OnAuthorityChanged(inst.HasAuthority)

	if isServer {
		w := bitstream.NewWriter()
		w.WriteUint8(opSpawn)
		w.WriteUvarint(uint64(netID))
		w.WriteUvarint(uint64(ownerID))
		w.WriteString(object.TypeName())
		if err := object.SerializeState(w); err != nil {
			return netID, err
		}
		m.sender.BroadcastPacket(transport.PacketReplication, w.Bytes(), reliable.ReliableOrdered, channel)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Spawn",
		"net_id":   netID,
		"owner_id": ownerID,
		"type":     object.TypeName(),
	}).Info("Object spawned")
	return netID, nil
}

// Despawn removes an object, announcing the removal to every peer when
// running as server.
func (m *Manager) Despawn(netID uint32) error {
	m.mu.Lock()
	inst, ok := m.objects[netID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: id %d", ErrUnknownObject, netID)
	}
	delete(m.objects, netID)
	isServer := m.config.IsServer
	channel := m.config.Channel
	m.mu.Unlock()

	inst.Object.OnNetworkDespawn()

	if isServer {
		w := bitstream.NewWriter()
		w.WriteUint8(opDespawn)
		w.WriteUvarint(uint64(netID))
		m.sender.BroadcastPacket(transport.PacketReplication, w.Bytes(), reliable.ReliableOrdered, channel)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Despawn",
		"net_id":   netID,
	}).Info("Object despawned")
	return nil
}

// Update runs the periodic sync pass. For every object this peer has
// authority over whose update rate has elapsed, it broadcasts an update.
// Critical objects send deltas over reliable-ordered delivery. Normal
// objects send full state over unreliable-sequenced: a lost snapshot is
// superseded by the next one, whereas a lost delta would leave receivers
// permanently behind.
func (m *Manager) Update() {
	m.mu.Lock()
	now := m.timeProvider.Now()
	channel := m.config.Channel
	due := make([]*Instance, 0, len(m.objects))
	for _, inst := range m.objects {
		if !inst.HasAuthority {
			continue
		}
		if now.Sub(inst.lastSync) >= time.Duration(inst.UpdateRateMs)*time.Millisecond {
			inst.lastSync = now
			due = append(due, inst)
		}
	}
	m.mu.Unlock()

	for _, inst := range due {
		op := opFull
		mode := reliable.UnreliableSequenced
		if inst.Priority == PriorityCritical {
			op = opDelta
			mode = reliable.ReliableOrdered
		}

		w := bitstream.NewWriter()
		w.WriteUint8(op)
		w.WriteUvarint(uint64(inst.NetID))
		var err error
		if op == opDelta {
			err = inst.Object.SerializeDelta(w)
		} else {
			err = inst.Object.SerializeState(w)
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Update",
				"net_id":   inst.NetID,
				"error":    err.Error(),
			}).Warn("Sync serialization failed")
			continue
		}
		m.sender.BroadcastPacket(transport.PacketReplication, w.Bytes(), mode, channel)
	}
}

// SyncFull broadcasts an object's complete state immediately, regardless
// of its update rate.
func (m *Manager) SyncFull(netID uint32) error {
	m.mu.Lock()
	inst, ok := m.objects[netID]
	channel := m.config.Channel
	if ok {
		inst.lastSync = m.timeProvider.Now()
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: id %d", ErrUnknownObject, netID)
	}

	w := bitstream.NewWriter()
	w.WriteUint8(opFull)
	w.WriteUvarint(uint64(netID))
	if err := inst.Object.SerializeState(w); err != nil {
		return err
	}
	m.sender.BroadcastPacket(transport.PacketReplication, w.Bytes(), reliable.ReliableOrdered, channel)
	return nil
}

// TransferAuthority reassigns an object's owner, recomputes the local
// authority flag, fires the ownership hooks, and forces an immediate
// full sync so every peer converges on the new owner's state.
func (m *Manager) TransferAuthority(netID uint32, newOwner uint32) error {
	m.mu.Lock()
	inst, ok := m.objects[netID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: id %d", ErrUnknownObject, netID)
	}
	inst.OwnerID = newOwner
	hadAuthority := inst.HasAuthority
	inst.HasAuthority = m.computeAuthorityLocked(inst)
	isServer := m.config.IsServer
	channel := m.config.Channel
	m.mu.Unlock()

	inst.Object.OnOwnershipChanged(newOwner)
	if hadAuthority != inst.HasAuthority {
		inst.Object.OnAuthorityChanged(inst.HasAuthority)
	}

	if isServer {
		w := bitstream.NewWriter()
		w.WriteUint8(opTransfer)
		w.WriteUvarint(uint64(netID))
		w.WriteUvarint(uint64(newOwner))
		m.sender.BroadcastPacket(transport.PacketReplication, w.Bytes(), reliable.ReliableOrdered, channel)
		return m.SyncFull(netID)
	}
	return nil
}

// computeAuthorityLocked applies the authority rule: the server is
// authoritative over everything it has not handed to a client; a client
// is authoritative over objects it owns.
func (m *Manager) computeAuthorityLocked(inst *Instance) bool {
	if m.config.IsServer {
		return inst.OwnerID == 0
	}
	return inst.OwnerID != 0 && inst.OwnerID == m.localConnID
}

// HandlePacket applies one incoming replication message. Wire it to the
// connection manager's data callback for PacketReplication payloads.
func (m *Manager) HandlePacket(data []byte) error {
	r := bitstream.NewReader(data)
	op := r.ReadUint8()
	netID := uint32(r.ReadUvarint())
	if r.HasOverflowed() {
		return ErrMalformedMessage
	}

	switch op {
	case opSpawn:
		return m.handleSpawn(r, netID)
	case opDespawn:
		return m.handleDespawn(netID)
	case opFull, opDelta:
		return m.handleState(r, netID, op)
	case opTransfer:
		return m.handleTransfer(r, netID)
	default:
		return fmt.Errorf("%w: op %d", ErrMalformedMessage, op)
	}
}

func (m *Manager) handleSpawn(r *bitstream.Reader, netID uint32) error {
	ownerID := uint32(r.ReadUvarint())
	typeName := r.ReadString()
	if r.HasOverflowed() {
		return ErrMalformedMessage
	}

	m.mu.Lock()
	if _, exists := m.objects[netID]; exists {
		// Reliable-ordered spawns can still repeat across reconnects.
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	object, err := m.registry.Create(typeName)
	if err != nil {
		return err
	}
	if err := object.DeserializeState(r); err != nil {
		return err
	}
	if r.HasOverflowed() {
		return ErrMalformedMessage
	}

	m.mu.Lock()
	inst := &Instance{
		Object:       object,
		NetID:        netID,
		OwnerID:      ownerID,
		UpdateRateMs: m.config.DefaultUpdateRateMs,
		lastSync:     m.timeProvider.Now(),
	}
	inst.HasAuthority = m.computeAuthorityLocked(inst)
	m.objects[netID] = inst
	if netID >= m.nextNetID {
		m.nextNetID = netID + 1
	}
	m.mu.Unlock()

	object.OnNetworkSpawn(netID)
	object.OnAuthorityChanged(inst.HasAuthority)
	if ownerID != 0 {
		object.OnOwnershipChanged(ownerID)
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleSpawn",
		"net_id":   netID,
		"type":     typeName,
	}).Debug("Remote object spawned")
	return nil
}

func (m *Manager) handleDespawn(netID uint32) error {
	m.mu.Lock()
	inst, ok := m.objects[netID]
	if ok {
		delete(m.objects, netID)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	inst.Object.OnNetworkDespawn()
	return nil
}

func (m *Manager) handleState(r *bitstream.Reader, netID uint32, op uint8) error {
	m.mu.Lock()
	inst, ok := m.objects[netID]
	m.mu.Unlock()

	if !ok {
		// State for an object whose spawn has not arrived yet.
		logrus.WithFields(logrus.Fields{
			"function": "handleState",
			"net_id":   netID,
		}).Debug("Dropping state for unknown object")
		return nil
	}
	if inst.HasAuthority {
		// Authoritative state is never overwritten by a remote update.
		return nil
	}

	var err error
	if op == opFull {
		err = inst.Object.DeserializeState(r)
	} else {
		err = inst.Object.DeserializeDelta(r)
	}
	if err != nil {
		return err
	}
	if r.HasOverflowed() {
		return ErrMalformedMessage
	}
	return nil
}

func (m *Manager) handleTransfer(r *bitstream.Reader, netID uint32) error {
	newOwner := uint32(r.ReadUvarint())
	if r.HasOverflowed() {
		return ErrMalformedMessage
	}

	m.mu.Lock()
	inst, ok := m.objects[netID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	inst.OwnerID = newOwner
	hadAuthority := inst.HasAuthority
	inst.HasAuthority = m.computeAuthorityLocked(inst)
	m.mu.Unlock()

	inst.Object.OnOwnershipChanged(newOwner)
	if hadAuthority != inst.HasAuthority {
		inst.Object.OnAuthorityChanged(inst.HasAuthority)
	}
	return nil
}

// Get returns the instance for one net id.
func (m *Manager) Get(netID uint32) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.objects[netID]
	return inst, ok
}

// Count returns the number of objects in the table.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// NetIDs returns every object id currently in the table.
func (m *Manager) NetIDs() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uint32, 0, len(m.objects))
	for id := range m.objects {
		ids = append(ids, id)
	}
	return ids
}
