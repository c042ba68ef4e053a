package main

import (
	"math"

	"github.com/opd-ai/netcode/bitstream"
	"github.com/opd-ai/netcode/replication"
)

// mover is the demo replicated object: a point circling the origin.
type mover struct {
	X, Y    float32
	Heading float32

	netID uint32
	rep   *replication.PropertyReplicator
}

func newMover() *mover {
	m := &mover{}
	m.rep = replication.NewPropertyReplicator()
	_ = m.rep.AddProperty(replication.PropertyDescriptor{
		Name:  "x",
		Read:  func(w *bitstream.Writer) { w.WriteFloat32(m.X) },
		Write: func(r *bitstream.Reader) { m.X = r.ReadFloat32() },
	})
	_ = m.rep.AddProperty(replication.PropertyDescriptor{
		Name:  "y",
		Read:  func(w *bitstream.Writer) { w.WriteFloat32(m.Y) },
		Write: func(r *bitstream.Reader) { m.Y = r.ReadFloat32() },
	})
	_ = m.rep.AddProperty(replication.PropertyDescriptor{
		Name:  "heading",
		Read:  func(w *bitstream.Writer) { w.WriteFloat32(m.Heading) },
		Write: func(r *bitstream.Reader) { m.Heading = r.ReadFloat32() },
	})
	return m
}

// step advances the circle by dt seconds.
func (m *mover) step(dt float32) {
	m.Heading += dt
	if m.Heading > 2*math.Pi {
		m.Heading -= 2 * math.Pi
	}
	m.X = 10 * float32(math.Cos(float64(m.Heading)))
	m.Y = 10 * float32(math.Sin(float64(m.Heading)))
}

func (m *mover) TypeName() string { return "demo.mover" }

func (m *mover) SerializeState(w *bitstream.Writer) error { return m.rep.SerializeAll(w) }

func (m *mover) DeserializeState(r *bitstream.Reader) error { return m.rep.DeserializeAll(r) }

func (m *mover) SerializeDelta(w *bitstream.Writer) error {
	m.rep.DetectChanges()
	return m.rep.SerializeDirty(w)
}

func (m *mover) DeserializeDelta(r *bitstream.Reader) error {
	_, err := m.rep.DeserializeDirty(r)
	return err
}

func (m *mover) OnNetworkSpawn(netID uint32) { m.netID = netID }
func (m *mover) OnNetworkDespawn() {}
func (m *mover) OnAuthorityChanged(bool) {}
func (m *mover) OnOwnershipChanged(uint32) {}
