package netcode

import (
	"github.com/opd-ai/netcode/limits"
	"github.com/opd-ai/netcode/reliable"
	"github.com/opd-ai/netcode/transport"
)

// Role is the part a Manager plays in the session.
type Role uint8

const (
	// RoleNone means the manager is not started.
	RoleNone Role = iota
	// RoleServer accepts incoming connections.
	RoleServer
	// RoleClient connects to a single server.
	RoleClient
	// RoleHost is a server with an implicit local loopback connection.
	RoleHost
)

// String returns the role name for logging.
func (r Role) String() string {
	switch r {
	case RoleServer:
		return "Server"
	case RoleClient:
		return "Client"
	case RoleHost:
		return "Host"
	default:
		return "None"
	}
}

// DenyReason explains a rejected or failed connection attempt.
type DenyReason uint8

const (
	// DenyReasonUnspecified is a rejection without detail.
	DenyReasonUnspecified DenyReason = iota
	// DenyReasonServerFull means the connection limit was reached.
	DenyReasonServerFull
	// DenyReasonIncompatibleVersion means the protocol versions differ.
	DenyReasonIncompatibleVersion
	// DenyReasonTimeout means the handshake received no reply in time.
	DenyReasonTimeout
)

// String returns the reason name for logging.
func (r DenyReason) String() string {
	switch r {
	case DenyReasonServerFull:
		return "ServerFull"
	case DenyReasonIncompatibleVersion:
		return "IncompatibleVersion"
	case DenyReasonTimeout:
		return "Timeout"
	default:
		return "Unspecified"
	}
}

// DisconnectReason explains why a connection ended.
type DisconnectReason uint8

const (
	// DisconnectReasonUnspecified is a disconnect without detail.
	DisconnectReasonUnspecified DisconnectReason = iota
	// DisconnectReasonUserRequested is an explicit local disconnect.
	DisconnectReasonUserRequested
	// DisconnectReasonServerShutdown means the server stopped.
	DisconnectReasonServerShutdown
	// DisconnectReasonTimeout means the peer went silent.
	DisconnectReasonTimeout
)

// String returns the reason name for logging.
func (r DisconnectReason) String() string {
	switch r {
	case DisconnectReasonUserRequested:
		return "UserRequested"
	case DisconnectReasonServerShutdown:
		return "ServerShutdown"
	case DisconnectReasonTimeout:
		return "Timeout"
	default:
		return "Unspecified"
	}
}

// Options contains configuration for creating a Manager.
type Options struct {
	// ListenAddress is the local bind address, e.g. ":7777".
	ListenAddress string

	// MaxConnections caps simultaneous connections in the server role.
	MaxConnections int

	// ConnectionTimeoutMs is how long a silent connection survives.
	ConnectionTimeoutMs int

	// KeepAliveIntervalMs is how often idle connections are pinged.
	KeepAliveIntervalMs int

	// PollTimeoutMs is passed to the transport's Poll each tick.
	// Zero polls without blocking.
	PollTimeoutMs int

	// ConnectRetryMs is how often a connecting client resends its
	// connection request.
	ConnectRetryMs int

	// ConnectTimeoutMs is how long a client waits for accept/deny before
	// the attempt fails.
	ConnectTimeoutMs int

	// Reliability tunes the reliable layer; the zero value uses defaults.
	Reliability reliable.Config

	// Transport overrides the UDP transport, e.g. with an in-memory one.
	Transport transport.Transport

	// EnableEncryption and EnableCompression are accepted for forward
	// compatibility but are not implemented.
	EnableEncryption  bool
	EnableCompression bool
}

// NewOptions returns an Options populated with protocol defaults.
func NewOptions() *Options {
	return &Options{
		MaxConnections:      limits.MaxConnections,
		ConnectionTimeoutMs: limits.DefaultConnectionTimeoutMs,
		KeepAliveIntervalMs: limits.KeepAliveIntervalMs,
		PollTimeoutMs:       0,
		ConnectRetryMs:      500,
		ConnectTimeoutMs:    5000,
	}
}
