package replication

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opd-ai/netcode/bitstream"
)

var (
	// ErrTypeRegistered indicates a duplicate factory registration.
	ErrTypeRegistered = errors.New("object type already registered")

	// ErrUnknownType indicates a spawn for a type with no factory.
	ErrUnknownType = errors.New("unknown object type")
)

// NetObject is the contract a replicated entity implements. State
// serialization uses the bit stream codec; the delta pair is expected to
// write a dirty mask first, typically through a PropertyReplicator.
type NetObject interface {
	// TypeName identifies the object's factory on remote peers.
	TypeName() string

	SerializeState(w *bitstream.Writer) error
	DeserializeState(r *bitstream.Reader) error
	SerializeDelta(w *bitstream.Writer) error
	DeserializeDelta(r *bitstream.Reader) error

	OnNetworkSpawn(netID uint32)
	OnNetworkDespawn()
	OnAuthorityChanged(hasAuthority bool)
	OnOwnershipChanged(ownerID uint32)
}

// Factory constructs a fresh object of one registered type.
type Factory func() NetObject

// Registry maps type names to factories so remote peers can instantiate
// objects announced in spawn messages.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty factory registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under its type name.
func (r *Registry) Register(typeName string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[typeName]; exists {
		return fmt.Errorf("%w: %q", ErrTypeRegistered, typeName)
	}
	r.factories[typeName] = factory
	return nil
}

// Create instantiates a registered type.
func (r *Registry) Create(typeName string) (NetObject, error) {
	r.mu.RLock()
	factory, ok := r.factories[typeName]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typeName)
	}
	return factory(), nil
}

// Types returns the registered type names in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Priority selects the delivery mode for an object's periodic state
// syncs.
type Priority uint8

const (
	// PriorityNormal syncs ride unreliable-sequenced delivery; a lost
	// update is superseded by the next one.
	PriorityNormal Priority = iota
	// PriorityCritical syncs ride reliable-ordered delivery.
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// Instance is the manager's bookkeeping for one spawned object. The
// object table is the sole owner; everything else refers to an instance
// by net id.
type Instance struct {
	Object            NetObject
	NetID             uint32
	OwnerID           uint32
	HasAuthority      bool
	LocallyControlled bool
	Priority          Priority
	UpdateRateMs      int
	lastSync          time.Time
}
