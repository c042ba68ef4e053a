package replication

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/opd-ai/netcode/bitstream"
)

// MaxProperties bounds one replicator's property set so the dirty state
// fits a 64-bit mask.
const MaxProperties = 64

var (
	// ErrTooManyProperties indicates the 64-property mask is full.
	ErrTooManyProperties = errors.New("property set exceeds mask capacity")

	// ErrMalformedDelta indicates a delta that ran past the end of its
	// buffer.
	ErrMalformedDelta = errors.New("malformed property delta")
)

// Condition controls when a property is considered for transmission.
type Condition uint8

const (
	// CondOnChange sends the property when its encoding differs from the
	// baseline.
	CondOnChange Condition = iota
	// CondAlways sends the property on every sync.
	CondAlways
	// CondInitialOnly sends the property only on the first sync after
	// spawn.
	CondInitialOnly
	// CondOwnerOnly marks a property relevant only to the owning peer.
	// Change detection treats it like CondOnChange; recipient filtering
	// is the caller's concern.
	CondOwnerOnly
	// CondSkipOwner is the inverse of CondOwnerOnly.
	CondSkipOwner
	// CondCustom consults the descriptor's ShouldSend closure.
	CondCustom
)

// PropertyDescriptor binds one replicated field through closures, never a
// raw memory offset. Read encodes the current value; Write decodes into
// the object.
type PropertyDescriptor struct {
	Name      string
	Condition Condition

	Read  func(w *bitstream.Writer)
	Write func(r *bitstream.Reader)

	// ShouldSend is consulted for CondCustom properties.
	ShouldSend func() bool
}

// PropertyTracker is the dirty bitmask for up to 64 properties.
type PropertyTracker struct {
	dirty uint64
	count int
}

// NewPropertyTracker creates a tracker for count properties.
func NewPropertyTracker(count int) *PropertyTracker {
	return &PropertyTracker{count: count}
}

// MarkDirty flags property i.
func (t *PropertyTracker) MarkDirty(i int) {
	if i < 0 || i >= t.count {
		return
	}
	t.dirty |= 1 << uint(i)
}

// IsDirty reports whether property i is flagged.
func (t *PropertyTracker) IsDirty(i int) bool {
	if i < 0 || i >= t.count {
		return false
	}
	return t.dirty&(1<<uint(i)) != 0
}

// MarkAll flags every property.
func (t *PropertyTracker) MarkAll() {
	if t.count >= 64 {
		t.dirty = ^uint64(0)
		return
	}
	t.dirty = (1 << uint(t.count)) - 1
}

// Mask returns the raw bitmask.
func (t *PropertyTracker) Mask() uint64 { return t.dirty }

// Clear resets every flag.
func (t *PropertyTracker) Clear() { t.dirty = 0 }

// PropertyReplicator detects per-property changes against a baseline
// snapshot and serializes only the dirty subset.
type PropertyReplicator struct {
	props       []PropertyDescriptor
	tracker     *PropertyTracker
	baseline    [][]byte
	hasBaseline bool
}

// NewPropertyReplicator creates an empty replicator. Properties must be
// added in the same order on every peer; the order defines the wire
// layout.
func NewPropertyReplicator() *PropertyReplicator {
	return &PropertyReplicator{tracker: NewPropertyTracker(0)}
}

// AddProperty appends one descriptor to the set.
func (r *PropertyReplicator) AddProperty(desc PropertyDescriptor) error {
	if len(r.props) >= MaxProperties {
		return fmt.Errorf("%w: %q", ErrTooManyProperties, desc.Name)
	}
	if desc.Read == nil || desc.Write == nil {
		return fmt.Errorf("property %q: missing accessor", desc.Name)
	}
	r.props = append(r.props, desc)
	r.tracker = NewPropertyTracker(len(r.props))
	r.baseline = append(r.baseline, nil)
	return nil
}

// PropertyCount returns the number of registered properties.
func (r *PropertyReplicator) PropertyCount() int { return len(r.props) }

// encodeProperty captures one property's current wire bytes.
func (r *PropertyReplicator) encodeProperty(i int) []byte {
	w := bitstream.NewWriter()
	r.props[i].Read(w)
	return w.Bytes()
}

// DetectChanges compares every property against the baseline and flags
// the changed ones in the tracker. With no baseline yet, every property
// is flagged. The returned mask is what SerializeDirty will emit.
func (r *PropertyReplicator) DetectChanges() uint64 {
	first := !r.hasBaseline
	for i := range r.props {
		current := r.encodeProperty(i)
		switch {
		case first:
			r.tracker.MarkDirty(i)
		case r.props[i].Condition == CondAlways:
			r.tracker.MarkDirty(i)
		case r.props[i].Condition == CondInitialOnly:
			// Sent with the initial snapshot only.
		case r.props[i].Condition == CondCustom:
			if r.props[i].ShouldSend != nil && r.props[i].ShouldSend() {
				r.tracker.MarkDirty(i)
			}
		default:
			if !bytes.Equal(current, r.baseline[i]) {
				r.tracker.MarkDirty(i)
			}
		}
		r.baseline[i] = current
	}
	r.hasBaseline = true
	return r.tracker.Mask()
}

// SerializeDirty writes the dirty bitmask followed by the flagged
// properties' values, then clears the tracker.
func (r *PropertyReplicator) SerializeDirty(w *bitstream.Writer) error {
	w.WriteBits64(r.tracker.Mask(), len(r.props))
	for i := range r.props {
		if r.tracker.IsDirty(i) {
			r.props[i].Read(w)
		}
	}
	if w.HasOverflowed() {
		return ErrMalformedDelta
	}
	r.tracker.Clear()
	return nil
}

// DeserializeDirty reads a bitmask and decodes the flagged properties in
// registration order.
func (r *PropertyReplicator) DeserializeDirty(rd *bitstream.Reader) (uint64, error) {
	mask := rd.ReadBits64(len(r.props))
	for i := range r.props {
		if mask&(1<<uint(i)) != 0 {
			r.props[i].Write(rd)
		}
	}
	if rd.HasOverflowed() {
		return mask, ErrMalformedDelta
	}
	return mask, nil
}

// SerializeAll writes every property unconditionally, for full state
// snapshots.
func (r *PropertyReplicator) SerializeAll(w *bitstream.Writer) error {
	for i := range r.props {
		r.props[i].Read(w)
	}
	if w.HasOverflowed() {
		return ErrMalformedDelta
	}
	return nil
}

// DeserializeAll reads every property in registration order.
func (r *PropertyReplicator) DeserializeAll(rd *bitstream.Reader) error {
	for i := range r.props {
		r.props[i].Write(rd)
	}
	if rd.HasOverflowed() {
		return ErrMalformedDelta
	}
	return nil
}

// ResetBaseline forgets the stored snapshot so the next DetectChanges
// flags everything, forcing a full resend.
func (r *PropertyReplicator) ResetBaseline() {
	r.hasBaseline = false
	for i := range r.baseline {
		r.baseline[i] = nil
	}
	r.tracker.Clear()
}
