package reliable

// ChannelState is per-connection, per-channel sequencing state: the
// outgoing sequence counter, the received-sequence window used for
// acknowledgments and de-duplication, the in-order delivery cursor, and
// payloads buffered ahead of it.
type ChannelState struct {
	nextOutgoing uint16

	// Receive window. latestReceived is the newest remote sequence seen;
	// bit i of receivedBits marks latestReceived-1-i as received.
	latestReceived uint16
	receivedBits   uint32
	anyReceived    bool

	// Sequenced-mode gate: newest sequence delivered to the application.
	latestDelivered uint16
	anyDelivered    bool

	// Ordered-mode cursor and out-of-order buffer.
	nextExpected uint16
	buffered     map[uint16][]byte
}

func newChannelState() *ChannelState {
	return &ChannelState{buffered: make(map[uint16][]byte)}
}

// nextSequence returns the next outgoing sequence and advances the counter.
func (c *ChannelState) nextSequence() uint16 {
	seq := c.nextOutgoing
	c.nextOutgoing++
	return seq
}

// isDuplicate reports whether seq was already recorded in the receive
// window. Sequences older than the 32-entry window are treated as
// duplicates since they can no longer be distinguished from replays.
func (c *ChannelState) isDuplicate(seq uint16) bool {
	if !c.anyReceived {
		return false
	}
	diff := SequenceDiff(seq, c.latestReceived)
	if diff > 0 {
		return false
	}
	if diff == 0 {
		return true
	}
	idx := -diff - 1
	if idx >= 32 {
		return true
	}
	return c.receivedBits&(1<<uint(idx)) != 0
}

// markReceived records seq in the receive window, sliding it forward when
// seq is newer than anything seen so far.
func (c *ChannelState) markReceived(seq uint16) {
	if !c.anyReceived {
		c.latestReceived = seq
		c.receivedBits = 0
		c.anyReceived = true
		return
	}

	diff := SequenceDiff(seq, c.latestReceived)
	switch {
	case diff > 0:
		if diff > 32 {
			c.receivedBits = 0
		} else {
			c.receivedBits = c.receivedBits<<uint(diff) | 1<<uint(diff-1)
		}
		c.latestReceived = seq
	case diff < 0:
		if idx := -diff - 1; idx < 32 {
			c.receivedBits |= 1 << uint(idx)
		}
	}
}

// ackFields returns the ack sequence and bitfield to piggyback on outgoing
// frames for this channel, plus whether anything has been received yet.
func (c *ChannelState) ackFields() (uint16, uint32, bool) {
	return c.latestReceived, c.receivedBits, c.anyReceived
}

// shouldDeliverSequenced reports whether seq passes the sequenced-mode
// gate, and records it as delivered when it does. Stale sequences are
// superseded, not queued.
func (c *ChannelState) shouldDeliverSequenced(seq uint16) bool {
	if c.anyDelivered && !SequenceNewerThan(seq, c.latestDelivered) {
		return false
	}
	c.latestDelivered = seq
	c.anyDelivered = true
	return true
}
