package reliable

// DeliveryMode determines the retry and ordering guarantees for a payload.
type DeliveryMode uint8

const (
	// Unreliable delivers at most once, in any order.
	Unreliable DeliveryMode = iota
	// UnreliableSequenced delivers at most once; payloads older than the
	// newest delivered on the channel are dropped, not queued.
	UnreliableSequenced
	// Reliable retries until acknowledged or the resend budget is spent.
	Reliable
	// ReliableSequenced retries like Reliable but delivers only the newest
	// payload on the channel, superseding stale ones.
	ReliableSequenced
	// ReliableOrdered retries like Reliable and delivers payloads in exact
	// send order, buffering ahead-of-order arrivals.
	ReliableOrdered
)

// IsReliable reports whether the mode retains packets for retransmission.
func (m DeliveryMode) IsReliable() bool {
	return m == Reliable || m == ReliableSequenced || m == ReliableOrdered
}

// String returns the mode name for logging.
func (m DeliveryMode) String() string {
	switch m {
	case Unreliable:
		return "Unreliable"
	case UnreliableSequenced:
		return "UnreliableSequenced"
	case Reliable:
		return "Reliable"
	case ReliableSequenced:
		return "ReliableSequenced"
	case ReliableOrdered:
		return "ReliableOrdered"
	default:
		return "Unknown"
	}
}
