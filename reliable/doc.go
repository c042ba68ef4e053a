// Package reliable implements the reliability layer of the protocol:
// sequence numbering, acknowledgment bitfields, retransmission with
// RTT-derived timeouts, fragmentation and reassembly, and per-channel
// ordering guarantees on top of an unreliable datagram transport.
//
// The central type is Endpoint, which keeps independent protocol state for
// every remote address it talks to. The connection layer feeds it outgoing
// payloads with a delivery mode and channel, hands it every received frame,
// and drains completed payloads from its delivery queue once per tick.
//
// Delivery here is best effort: a reliable packet is retried a bounded
// number of times and then dropped, observable only through Stats. Senders
// are never surfaced a hard failure for an unacknowledged packet.
package reliable
