package reliable

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/netcode/limits"
)

// Default reliability tunables, overridable through Config.
const (
	DefaultFragmentThreshold = 1024
	DefaultMaxResends        = 10
	DefaultInitialRTO        = 200 * time.Millisecond
	DefaultMaxRTO            = 2 * time.Second
)

var (
	// ErrOversizedUnreliable indicates an unreliable send larger than the
	// fragment threshold; such payloads are rejected, not fragmented.
	ErrOversizedUnreliable = errors.New("unreliable payload exceeds fragment threshold")

	// ErrTooManyFragments indicates a payload that would split into more
	// fragments than the protocol allows.
	ErrTooManyFragments = errors.New("payload exceeds maximum fragment count")
)

// Config holds reliability tunables. The zero value selects defaults.
type Config struct {
	// FragmentThreshold is the largest payload sent as a single frame.
	FragmentThreshold int

	// MaxResends is how many times a pending packet is retransmitted
	// before it is dropped and counted as a loss.
	MaxResends int

	// InitialRTO and MaxRTO bound the retransmission timeout.
	InitialRTO time.Duration
	MaxRTO     time.Duration
}

func (c *Config) applyDefaults() {
	if c.FragmentThreshold <= 0 {
		c.FragmentThreshold = DefaultFragmentThreshold
	}
	if c.MaxResends <= 0 {
		c.MaxResends = DefaultMaxResends
	}
	if c.InitialRTO <= 0 {
		c.InitialRTO = DefaultInitialRTO
	}
	if c.MaxRTO <= 0 {
		c.MaxRTO = DefaultMaxRTO
	}
}

// SendFunc transmits one framed reliable packet; the connection layer wraps
// the frame in the packet envelope and hands it to the transport.
type SendFunc func(addr net.Addr, kind FrameKind, frame []byte) error

// Delivery is one completed payload handed up to the connection layer.
type Delivery struct {
	Addr    net.Addr
	Channel uint8
	Payload []byte
}

// Stats counts per-peer reliability traffic.
type Stats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	Resends         uint64
	Dropped         uint64
	Duplicates      uint64
	StaleDrops      uint64
}

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// PendingPacket is a framed reliable packet retained until it is
// acknowledged or its resend budget is spent.
type PendingPacket struct {
	kind       FrameKind
	frame      []byte
	sendTime   time.Time
	lastResend time.Time
	resends    int
}

type pendingKey struct {
	channel  uint8
	sequence uint16
	fragment uint16
}

type assemblyKey struct {
	channel  uint8
	sequence uint16
}

// peerState is the reliable protocol state for one remote address.
type peerState struct {
	addr       net.Addr
	channels   map[uint8]*ChannelState
	pending    map[pendingKey]*PendingPacket
	assemblies map[assemblyKey]*FragmentAssembly
	rtt        *RTTEstimator
	stats      Stats
}

func (p *peerState) channel(id uint8) *ChannelState {
	ch, ok := p.channels[id]
	if !ok {
		ch = newChannelState()
		p.channels[id] = ch
	}
	return ch
}

// Endpoint keeps independent reliable-protocol state per remote address:
// channels, pending packets, fragment assemblies, and an RTT estimate.
//
// One mutex guards the address map and the delivery queue together; it is
// never held across a transport send.
type Endpoint struct {
	config Config
	sendFn SendFunc

	mu         sync.Mutex
	peers      map[string]*peerState
	deliveries []Delivery

	timeProvider TimeProvider
}

// outFrame is a frame built under the lock and sent after releasing it.
type outFrame struct {
	addr  net.Addr
	kind  FrameKind
	frame []byte
}

// NewEndpoint creates an Endpoint that emits frames through sendFn.
func NewEndpoint(sendFn SendFunc, config Config) *Endpoint {
	config.applyDefaults()
	return &Endpoint{
		config:       config,
		sendFn:       sendFn,
		peers:        make(map[string]*peerState),
		timeProvider: DefaultTimeProvider{},
	}
}

// SetTimeProvider sets a custom time provider for deterministic testing.
func (e *Endpoint) SetTimeProvider(tp TimeProvider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if tp != nil {
		e.timeProvider = tp
	}
}

func (e *Endpoint) peer(addr net.Addr) *peerState {
	key := addr.String()
	p, ok := e.peers[key]
	if !ok {
		p = &peerState{
			addr:       addr,
			channels:   make(map[uint8]*ChannelState),
			pending:    make(map[pendingKey]*PendingPacket),
			assemblies: make(map[assemblyKey]*FragmentAssembly),
			rtt:        NewRTTEstimator(e.config.InitialRTO, e.config.MaxRTO),
		}
		e.peers[key] = p
	}
	return p
}

// Send frames payload for addr with the given delivery mode and channel,
// fragmenting oversized reliable payloads. Reliable frames are retained
// for retransmission until acknowledged.
func (e *Endpoint) Send(addr net.Addr, payload []byte, mode DeliveryMode, channel uint8) error {
	if err := limits.ValidateChannel(channel); err != nil {
		return err
	}
	if err := limits.ValidatePayloadSize(payload, limits.MaxProcessingBuffer); err != nil {
		return err
	}

	e.mu.Lock()
	now := e.timeProvider.Now()
	peer := e.peer(addr)
	ch := peer.channel(channel)

	var frames []outFrame
	if len(payload) <= e.config.FragmentThreshold {
		frames = e.frameSingle(peer, ch, payload, mode, channel, now)
	} else {
		if !mode.IsReliable() {
			e.mu.Unlock()
			logrus.WithFields(logrus.Fields{
				"function": "Send",
				"remote":   addr.String(),
				"size":     len(payload),
				"mode":     mode.String(),
			}).Warn("Dropping oversized unreliable payload")
			return fmt.Errorf("%w: %d bytes", ErrOversizedUnreliable, len(payload))
		}
		count := (len(payload) + e.config.FragmentThreshold - 1) / e.config.FragmentThreshold
		if count > limits.MaxFragments {
			e.mu.Unlock()
			return fmt.Errorf("%w: %d fragments", ErrTooManyFragments, count)
		}
		frames = e.frameFragments(peer, ch, payload, mode, channel, count, now)
	}

	for _, f := range frames {
		peer.stats.PacketsSent++
		peer.stats.BytesSent += uint64(len(f.frame))
	}
	e.mu.Unlock()

	return e.transmit(frames)
}

// frameSingle builds one data frame and retains it when the mode is
// reliable. Caller holds the lock.
func (e *Endpoint) frameSingle(peer *peerState, ch *ChannelState, payload []byte, mode DeliveryMode, channel uint8, now time.Time) []outFrame {
	seq := ch.nextSequence()
	ack, ackBits, ackValid := ch.ackFields()
	header := Header{
		Kind:          FrameData,
		Mode:          mode,
		AckValid:      ackValid,
		Sequence:      seq,
		Ack:           ack,
		AckBits:       ackBits,
		Channel:       channel,
		FragmentIndex: 0,
		FragmentCount: 1,
	}
	frame := header.Serialize(make([]byte, 0, HeaderSize+len(payload)))
	frame = append(frame, payload...)

	if mode.IsReliable() {
		peer.pending[pendingKey{channel: channel, sequence: seq}] = &PendingPacket{
			kind:     FrameData,
			frame:    frame,
			sendTime: now,
		}
	}
	return []outFrame{{addr: peer.addr, kind: FrameData, frame: frame}}
}

// frameFragments splits payload into count fragments sharing one sequence,
// retaining each for retransmission. Caller holds the lock.
func (e *Endpoint) frameFragments(peer *peerState, ch *ChannelState, payload []byte, mode DeliveryMode, channel uint8, count int, now time.Time) []outFrame {
	seq := ch.nextSequence()
	ack, ackBits, ackValid := ch.ackFields()

	frames := make([]outFrame, 0, count)
	for i := 0; i < count; i++ {
		start := i * e.config.FragmentThreshold
		end := start + e.config.FragmentThreshold
		if end > len(payload) {
			end = len(payload)
		}
		header := Header{
			Kind:          FrameFragment,
			Mode:          mode,
			AckValid:      ackValid,
			Sequence:      seq,
			Ack:           ack,
			AckBits:       ackBits,
			Channel:       channel,
			FragmentIndex: uint16(i),
			FragmentCount: uint16(count),
		}
		frame := header.Serialize(make([]byte, 0, HeaderSize+end-start))
		frame = append(frame, payload[start:end]...)

		peer.pending[pendingKey{channel: channel, sequence: seq, fragment: uint16(i)}] = &PendingPacket{
			kind:     FrameFragment,
			frame:    frame,
			sendTime: now,
		}
		frames = append(frames, outFrame{addr: peer.addr, kind: FrameFragment, frame: frame})
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Send",
		"remote":    peer.addr.String(),
		"size":      len(payload),
		"fragments": count,
		"sequence":  seq,
		"channel":   channel,
	}).Debug("Fragmented oversized payload")

	return frames
}

// ProcessFrame handles one received reliable frame: acknowledgment
// bookkeeping, de-duplication, reassembly, and ordering. Completed payloads
// are queued for NextDelivery. A parse failure is returned to the caller,
// which drops the packet.
func (e *Endpoint) ProcessFrame(addr net.Addr, data []byte) error {
	header, payload, err := ParseHeader(data)
	if err != nil {
		return err
	}

	e.mu.Lock()
	now := e.timeProvider.Now()
	peer := e.peer(addr)
	ch := peer.channel(header.Channel)
	peer.stats.PacketsReceived++
	peer.stats.BytesReceived += uint64(len(data))

	if header.AckValid {
		e.clearAcked(peer, header.Channel, header.Ack, header.AckBits, now)
	}

	var acks []outFrame
	switch header.Kind {
	case FrameAck:
		e.clearPending(peer, pendingKey{
			channel:  header.Channel,
			sequence: header.Sequence,
			fragment: header.FragmentIndex,
		}, now)
	case FrameData:
		acks = e.processData(peer, ch, header, payload)
	case FrameFragment:
		acks = e.processFragment(peer, ch, header, payload, now)
	}
	e.mu.Unlock()

	return e.transmit(acks)
}

// processData handles a complete payload frame. Caller holds the lock.
func (e *Endpoint) processData(peer *peerState, ch *ChannelState, header *Header, payload []byte) []outFrame {
	var acks []outFrame
	duplicate := ch.isDuplicate(header.Sequence)
	ch.markReceived(header.Sequence)

	// Reliable senders keep resending until acked, so duplicates are
	// re-acknowledged rather than ignored.
	if header.Mode.IsReliable() {
		acks = append(acks, e.buildAck(peer, ch, header))
	}
	if duplicate {
		peer.stats.Duplicates++
		return acks
	}

	e.dispatchPayload(peer, ch, header, payload)
	return acks
}

// processFragment stores one fragment and dispatches the payload once the
// assembly completes. Caller holds the lock.
func (e *Endpoint) processFragment(peer *peerState, ch *ChannelState, header *Header, payload []byte, now time.Time) []outFrame {
	var acks []outFrame
	if header.Mode.IsReliable() {
		acks = append(acks, e.buildAck(peer, ch, header))
	}

	count := int(header.FragmentCount)
	if count < 1 || count > limits.MaxFragments {
		logrus.WithFields(logrus.Fields{
			"function":  "ProcessFrame",
			"remote":    peer.addr.String(),
			"fragments": count,
		}).Warn("Dropping fragment with invalid fragment count")
		return acks
	}

	// A sequence already in the window means the payload was fully
	// reassembled and delivered; this is a straggler resend.
	if ch.isDuplicate(header.Sequence) {
		peer.stats.Duplicates++
		return acks
	}

	key := assemblyKey{channel: header.Channel, sequence: header.Sequence}
	assembly, ok := peer.assemblies[key]
	if !ok {
		assembly = newFragmentAssembly(count, now)
		peer.assemblies[key] = assembly
	}

	if complete := assembly.add(header.FragmentIndex, payload); !complete {
		return acks
	}

	full := assembly.reassemble()
	delete(peer.assemblies, key)
	ch.markReceived(header.Sequence)
	e.dispatchPayload(peer, ch, header, full)
	return acks
}

// dispatchPayload applies the delivery mode's ordering semantics and queues
// deliverable payloads. Caller holds the lock.
func (e *Endpoint) dispatchPayload(peer *peerState, ch *ChannelState, header *Header, payload []byte) {
	switch header.Mode {
	case UnreliableSequenced, ReliableSequenced:
		if !ch.shouldDeliverSequenced(header.Sequence) {
			peer.stats.StaleDrops++
			return
		}
		e.queueDelivery(peer.addr, header.Channel, payload)
	case ReliableOrdered:
		e.dispatchOrdered(peer, ch, header.Channel, header.Sequence, payload)
	default:
		e.queueDelivery(peer.addr, header.Channel, payload)
	}
}

// dispatchOrdered delivers in-order payloads immediately and buffers
// ahead-of-order arrivals until the gap fills. Caller holds the lock.
func (e *Endpoint) dispatchOrdered(peer *peerState, ch *ChannelState, channel uint8, seq uint16, payload []byte) {
	if seq == ch.nextExpected {
		e.queueDelivery(peer.addr, channel, payload)
		ch.nextExpected++
		for {
			buffered, ok := ch.buffered[ch.nextExpected]
			if !ok {
				break
			}
			delete(ch.buffered, ch.nextExpected)
			e.queueDelivery(peer.addr, channel, buffered)
			ch.nextExpected++
		}
		return
	}

	if SequenceNewerThan(seq, ch.nextExpected) {
		buf := make([]byte, len(payload))
		copy(buf, payload)
		ch.buffered[seq] = buf
		return
	}

	// Older than the cursor: already delivered on a previous pass.
	peer.stats.Duplicates++
}

// buildAck constructs an ack frame echoing the received sequence and
// fragment index, with the channel's current receive window piggybacked.
// Caller holds the lock.
func (e *Endpoint) buildAck(peer *peerState, ch *ChannelState, received *Header) outFrame {
	ack, ackBits, ackValid := ch.ackFields()
	header := Header{
		Kind:          FrameAck,
		Mode:          received.Mode,
		AckValid:      ackValid,
		Sequence:      received.Sequence,
		Ack:           ack,
		AckBits:       ackBits,
		Channel:       received.Channel,
		FragmentIndex: received.FragmentIndex,
		FragmentCount: received.FragmentCount,
	}
	return outFrame{
		addr:  peer.addr,
		kind:  FrameAck,
		frame: header.Serialize(make([]byte, 0, HeaderSize)),
	}
}

// clearAcked removes every pending packet on the channel covered by the
// piggybacked ack fields, sampling RTT for first-transmission acks.
// Caller holds the lock.
func (e *Endpoint) clearAcked(peer *peerState, channel uint8, ack uint16, ackBits uint32, now time.Time) {
	for key := range peer.pending {
		if key.channel != channel {
			continue
		}
		diff := SequenceDiff(ack, key.sequence)
		covered := diff == 0 || (diff > 0 && diff <= 32 && ackBits&(1<<uint(diff-1)) != 0)
		if covered {
			e.clearPending(peer, key, now)
		}
	}
}

// clearPending acknowledges one pending packet, sampling RTT when the
// packet was never resent (resent packets give ambiguous samples).
// Caller holds the lock.
func (e *Endpoint) clearPending(peer *peerState, key pendingKey, now time.Time) {
	pp, ok := peer.pending[key]
	if !ok {
		return
	}
	if pp.resends == 0 {
		peer.rtt.AddSample(now.Sub(pp.sendTime))
	}
	delete(peer.pending, key)
}

// queueDelivery appends a completed payload for the connection layer.
// Caller holds the lock.
func (e *Endpoint) queueDelivery(addr net.Addr, channel uint8, payload []byte) {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	e.deliveries = append(e.deliveries, Delivery{Addr: addr, Channel: channel, Payload: buf})
}

// NextDelivery pops one completed payload, or returns false when none are
// queued.
func (e *Endpoint) NextDelivery() (Delivery, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.deliveries) == 0 {
		return Delivery{}, false
	}
	d := e.deliveries[0]
	e.deliveries = e.deliveries[1:]
	return d, true
}

// Update runs the periodic sweep: retransmit pending packets past their
// timeout, drop packets that exhausted their resend budget, and purge
// stale fragment assemblies.
func (e *Endpoint) Update() {
	e.mu.Lock()
	now := e.timeProvider.Now()
	var resends []outFrame

	for _, peer := range e.peers {
		for key, pp := range peer.pending {
			if pp.resends >= e.config.MaxResends {
				delete(peer.pending, key)
				peer.stats.Dropped++
				logrus.WithFields(logrus.Fields{
					"function": "Update",
					"remote":   peer.addr.String(),
					"sequence": key.sequence,
					"channel":  key.channel,
					"resends":  pp.resends,
				}).Warn("Reliable packet exhausted resend budget, dropping")
				continue
			}

			// Exponential back-off: the effective timeout doubles with
			// each resend, capped at MaxRTO.
			rto := peer.rtt.RTO() << uint(pp.resends)
			if rto > e.config.MaxRTO {
				rto = e.config.MaxRTO
			}
			since := pp.sendTime
			if !pp.lastResend.IsZero() {
				since = pp.lastResend
			}
			if now.Sub(since) < rto {
				continue
			}

			pp.lastResend = now
			pp.resends++
			peer.stats.Resends++
			resends = append(resends, outFrame{addr: peer.addr, kind: pp.kind, frame: pp.frame})
		}

		for key, assembly := range peer.assemblies {
			if assembly.stale(now) {
				delete(peer.assemblies, key)
				logrus.WithFields(logrus.Fields{
					"function": "Update",
					"remote":   peer.addr.String(),
					"sequence": key.sequence,
					"channel":  key.channel,
				}).Debug("Purged stale fragment assembly")
			}
		}
	}
	e.mu.Unlock()

	_ = e.transmit(resends)
}

// transmit sends frames outside the state lock. Send failures are logged
// and skipped; reliable frames will be retried by the next sweep.
func (e *Endpoint) transmit(frames []outFrame) error {
	var firstErr error
	for _, f := range frames {
		if err := e.sendFn(f.addr, f.kind, f.frame); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "transmit",
				"remote":   f.addr.String(),
				"error":    err.Error(),
			}).Warn("Frame send failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// RTT returns the smoothed round-trip estimate for addr, zero when the
// address is unknown or unsampled.
func (e *Endpoint) RTT(addr net.Addr) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	peer, ok := e.peers[addr.String()]
	if !ok {
		return 0
	}
	return peer.rtt.RTT()
}

// StatsFor returns the reliability counters for addr.
func (e *Endpoint) StatsFor(addr net.Addr) (Stats, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	peer, ok := e.peers[addr.String()]
	if !ok {
		return Stats{}, false
	}
	return peer.stats, true
}

// TotalStats sums the counters across every known peer.
func (e *Endpoint) TotalStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	var total Stats
	for _, peer := range e.peers {
		total.PacketsSent += peer.stats.PacketsSent
		total.PacketsReceived += peer.stats.PacketsReceived
		total.BytesSent += peer.stats.BytesSent
		total.BytesReceived += peer.stats.BytesReceived
		total.Resends += peer.stats.Resends
		total.Dropped += peer.stats.Dropped
		total.Duplicates += peer.stats.Duplicates
		total.StaleDrops += peer.stats.StaleDrops
	}
	return total
}

// PendingCount returns the number of unacknowledged packets for addr.
func (e *Endpoint) PendingCount(addr net.Addr) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	peer, ok := e.peers[addr.String()]
	if !ok {
		return 0
	}
	return len(peer.pending)
}

// ClearPeer discards all reliable state for addr, typically after the
// connection to it is removed.
func (e *Endpoint) ClearPeer(addr net.Addr) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.peers, addr.String())
}

// Reset discards all per-address state and queued deliveries.
func (e *Endpoint) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peers = make(map[string]*peerState)
	e.deliveries = nil
}
