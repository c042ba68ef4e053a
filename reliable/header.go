package reliable

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// FrameKind distinguishes what a reliable frame carries.
type FrameKind uint8

const (
	// FrameData carries a complete payload.
	FrameData FrameKind = 0x01
	// FrameFragment carries one slice of a fragmented payload.
	FrameFragment FrameKind = 0x02
	// FrameAck acknowledges a received sequence (and fragment index).
	FrameAck FrameKind = 0x03
)

// The frame type byte packs the kind in its low 4 bits, an ack-validity
// flag in bit 4, and the delivery mode in the high 3 bits, so a receiver
// can apply the sender's ordering semantics without a separate mode field.
// The ack flag distinguishes a genuine acknowledgment of sequence 0 from a
// frame sent before anything was received.
const (
	kindMask     = 0x0F
	flagAckValid = 0x10
	modeShift    = 5
)

// HeaderSize is the fixed reliable frame header size, derived from the
// field widths: Type(1) + Sequence(2) + Ack(2) + AckBits(4) + Channel(1) +
// FragmentIndex(2) + FragmentCount(2).
const HeaderSize = 14

// ErrHeaderTooShort indicates a frame smaller than the reliable header.
var ErrHeaderTooShort = errors.New("reliable frame shorter than header")

// ErrBadFrameKind indicates an unrecognized frame kind byte.
var ErrBadFrameKind = errors.New("unknown reliable frame kind")

// Header is the reliable frame header carried inside the packet envelope,
// preceding the application bytes.
type Header struct {
	Kind          FrameKind
	Mode          DeliveryMode
	AckValid      bool
	Sequence      uint16
	Ack           uint16
	AckBits       uint32
	Channel       uint8
	FragmentIndex uint16
	FragmentCount uint16
}

// Serialize appends the header's wire form to dst and returns the result.
func (h *Header) Serialize(dst []byte) []byte {
	var buf [HeaderSize]byte
	buf[0] = byte(h.Kind)&kindMask | byte(h.Mode)<<modeShift
	if h.AckValid {
		buf[0] |= flagAckValid
	}
	binary.BigEndian.PutUint16(buf[1:3], h.Sequence)
	binary.BigEndian.PutUint16(buf[3:5], h.Ack)
	binary.BigEndian.PutUint32(buf[5:9], h.AckBits)
	buf[9] = h.Channel
	binary.BigEndian.PutUint16(buf[10:12], h.FragmentIndex)
	binary.BigEndian.PutUint16(buf[12:14], h.FragmentCount)
	return append(dst, buf[:]...)
}

// ParseHeader reads a header from the front of data and returns it together
// with the remaining payload bytes.
func ParseHeader(data []byte) (*Header, []byte, error) {
	if len(data) < HeaderSize {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrHeaderTooShort, len(data))
	}

	kind := FrameKind(data[0] & kindMask)
	if kind != FrameData && kind != FrameFragment && kind != FrameAck {
		return nil, nil, fmt.Errorf("%w: 0x%02x", ErrBadFrameKind, data[0])
	}

	header := &Header{
		Kind:          kind,
		Mode:          DeliveryMode(data[0] >> modeShift),
		AckValid:      data[0]&flagAckValid != 0,
		Sequence:      binary.BigEndian.Uint16(data[1:3]),
		Ack:           binary.BigEndian.Uint16(data[3:5]),
		AckBits:       binary.BigEndian.Uint32(data[5:9]),
		Channel:       data[9],
		FragmentIndex: binary.BigEndian.Uint16(data[10:12]),
		FragmentCount: binary.BigEndian.Uint16(data[12:14]),
	}
	return header, data[HeaderSize:], nil
}
