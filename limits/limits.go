// Package limits provides centralized protocol size and capacity limits.
// This ensures consistent validation across different components of the system.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxDatagramPayload is the largest payload carried in a single datagram (1400 bytes)
	// This leaves headroom for IP and UDP headers below the common 1500-byte MTU
	MaxDatagramPayload = 1400

	// MaxPacketSize is the absolute maximum size of any framed packet on the wire
	MaxPacketSize = 1500

	// MaxChannels is the number of independent ordering channels per connection
	MaxChannels = 32

	// MaxConnections is the default upper bound on simultaneous connections per server
	MaxConnections = 64

	// DefaultConnectionTimeoutMs is how long a connection may stay silent before
	// it is considered timed out
	DefaultConnectionTimeoutMs = 10000

	// KeepAliveIntervalMs is how often an idle connection sends a keep-alive
	KeepAliveIntervalMs = 1000

	// MaxFragments caps the number of fragments a single payload may split into
	// This prevents memory exhaustion from hostile fragment counts
	MaxFragments = 256

	// MaxProcessingBuffer is the absolute maximum for any reassembled payload
	// This prevents memory exhaustion attacks (1MB limit)
	MaxProcessingBuffer = 1024 * 1024
)

var (
	// ErrPayloadEmpty indicates an empty payload was provided
	ErrPayloadEmpty = errors.New("empty payload")

	// ErrPayloadTooLarge indicates a payload exceeds the maximum size
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrChannelOutOfRange indicates a channel index outside [0, MaxChannels)
	ErrChannelOutOfRange = errors.New("channel out of range")
)

// ValidatePayloadSize validates a payload against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidatePayloadSize(payload []byte, maxSize int) error {
	if len(payload) == 0 {
		return ErrPayloadEmpty
	}
	if len(payload) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrPayloadTooLarge, len(payload), maxSize)
	}
	return nil
}

// ValidateChannel validates a channel index against MaxChannels.
func ValidateChannel(channel uint8) error {
	if int(channel) >= MaxChannels {
		return fmt.Errorf("%w: channel %d, limit %d", ErrChannelOutOfRange, channel, MaxChannels)
	}
	return nil
}
