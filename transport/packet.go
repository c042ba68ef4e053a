package transport

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/opd-ai/netcode/limits"
)

const (
	// ProtocolMagic identifies packets belonging to this protocol.
	ProtocolMagic uint32 = 0x4E455443 // "NETC" in ASCII

	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion uint16 = 1

	// HeaderSize is the fixed envelope size:
	// Magic(4) + Version(2) + Type(1) + PayloadSize(2) + ConnectionID(4).
	HeaderSize = 13
)

// PacketType identifies the type of a protocol packet.
//
// The type space is partitioned by numeric range: 0x01-0x09 are
// connection/control packets, 0x20-0x22 are reliable-transport framing,
// 0x40 and up are user payloads, and 0x80 and up are reserved for
// application-defined types.
type PacketType byte

const (
	// Connection and control packet types (0x01-0x09)
	PacketConnectionRequest  PacketType = 0x01
	PacketConnectionAccepted PacketType = 0x02
	PacketConnectionDenied   PacketType = 0x03
	PacketDisconnect         PacketType = 0x04
	PacketPing               PacketType = 0x05
	PacketPong               PacketType = 0x06
	PacketAck                PacketType = 0x07
	PacketNack               PacketType = 0x08
	PacketKeepAlive          PacketType = 0x09

	// Reliable transport framing packet types (0x20-0x22)
	PacketReliableData PacketType = 0x20
	PacketFragment     PacketType = 0x21
	PacketReliableAck  PacketType = 0x22

	// User payload packet types (0x40+)
	PacketUserData    PacketType = 0x40
	PacketReplication PacketType = 0x41
	PacketRPC         PacketType = 0x42
	PacketBroadcast   PacketType = 0x43

	// PacketAppMin is the first packet type available to applications.
	PacketAppMin PacketType = 0x80
)

// IsControl reports whether t is a connection/control packet type.
func (t PacketType) IsControl() bool {
	return t >= PacketConnectionRequest && t <= PacketKeepAlive
}

// IsReliableFraming reports whether t is a reliable-transport framing type.
func (t PacketType) IsReliableFraming() bool {
	return t >= PacketReliableData && t <= PacketReliableAck
}

// IsUserPayload reports whether t carries application-visible data.
func (t PacketType) IsUserPayload() bool {
	return t >= PacketUserData
}

var (
	// ErrPacketTooShort indicates a buffer smaller than the envelope header.
	ErrPacketTooShort = errors.New("packet shorter than header")

	// ErrBadMagic indicates the buffer does not start with ProtocolMagic.
	ErrBadMagic = errors.New("bad protocol magic")

	// ErrPayloadTruncated indicates the declared payload size exceeds the
	// bytes actually present after the header.
	ErrPayloadTruncated = errors.New("declared payload exceeds buffer")
)

// Header is the fixed envelope preceding every packet payload.
type Header struct {
	Magic        uint32
	Version      uint16
	Type         PacketType
	PayloadSize  uint16
	ConnectionID uint32
}

// IsCompatibleVersion reports whether the header's protocol version matches
// this implementation. Kept separate from parsing so a version mismatch can
// be reported distinctly from corruption.
func (h *Header) IsCompatibleVersion() bool {
	return h.Version == ProtocolVersion
}

// Packet is an envelope header plus its payload.
type Packet struct {
	Header  Header
	Payload []byte
}

// NewPacket builds a packet of the given type addressed to a connection.
func NewPacket(packetType PacketType, connectionID uint32, payload []byte) *Packet {
	return &Packet{
		Header: Header{
			Magic:        ProtocolMagic,
			Version:      ProtocolVersion,
			Type:         packetType,
			PayloadSize:  uint16(len(payload)),
			ConnectionID: connectionID,
		},
		Payload: payload,
	}
}

// Serialize converts a packet to a byte slice for transmission.
func (p *Packet) Serialize() ([]byte, error) {
	if len(p.Payload) > limits.MaxDatagramPayload {
		return nil, fmt.Errorf("%w: payload %d bytes", limits.ErrPayloadTooLarge, len(p.Payload))
	}

	buf := make([]byte, HeaderSize+len(p.Payload))
	binary.BigEndian.PutUint32(buf[0:4], p.Header.Magic)
	binary.BigEndian.PutUint16(buf[4:6], p.Header.Version)
	buf[6] = byte(p.Header.Type)
	binary.BigEndian.PutUint16(buf[7:9], uint16(len(p.Payload)))
	binary.BigEndian.PutUint32(buf[9:13], p.Header.ConnectionID)
	copy(buf[HeaderSize:], p.Payload)

	return buf, nil
}

// ParsePacket converts a byte slice to a Packet structure.
//
// It fails on a short buffer, a magic mismatch, or a declared payload size
// larger than the bytes present. A version mismatch does not fail the
// parse; check Header.IsCompatibleVersion separately.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPacketTooShort, len(data))
	}

	header := Header{
		Magic:        binary.BigEndian.Uint32(data[0:4]),
		Version:      binary.BigEndian.Uint16(data[4:6]),
		Type:         PacketType(data[6]),
		PayloadSize:  binary.BigEndian.Uint16(data[7:9]),
		ConnectionID: binary.BigEndian.Uint32(data[9:13]),
	}

	if header.Magic != ProtocolMagic {
		return nil, ErrBadMagic
	}
	if int(header.PayloadSize) > len(data)-HeaderSize {
		return nil, fmt.Errorf("%w: declared %d, present %d",
			ErrPayloadTruncated, header.PayloadSize, len(data)-HeaderSize)
	}

	payload := make([]byte, header.PayloadSize)
	copy(payload, data[HeaderSize:HeaderSize+int(header.PayloadSize)])

	return &Packet{Header: header, Payload: payload}, nil
}
