package bitstream

import (
	"math"
	"math/bits"
)

// Writer accumulates bits into a byte buffer.
//
// The zero value is not usable; construct with NewWriter for a growable
// internal buffer or NewWriterBuffer to fill a caller-supplied buffer.
type Writer struct {
	data       []byte
	bitIndex   int
	fixed      bool
	overflowed bool
}

// NewWriter creates a Writer with a growable internal buffer.
func NewWriter() *Writer {
	return &Writer{data: make([]byte, 0, 64)}
}

// NewWriterBuffer creates a Writer over a caller-supplied buffer.
// Writes beyond the buffer's capacity set the overflow flag and are discarded.
func NewWriterBuffer(buf []byte) *Writer {
	for i := range buf {
		buf[i] = 0
	}
	return &Writer{data: buf, fixed: true}
}

// ensure grows the buffer so that n more bits fit, or flags overflow for a
// fixed buffer.
func (w *Writer) ensure(n int) bool {
	needed := (w.bitIndex + n + 7) / 8
	if needed <= len(w.data) {
		return true
	}
	if w.fixed {
		w.overflowed = true
		return false
	}
	for needed > cap(w.data) {
		grown := make([]byte, len(w.data), cap(w.data)*2+8)
		copy(grown, w.data)
		w.data = grown
	}
	w.data = w.data[:needed]
	return true
}

// WriteBits writes the low n bits of value, n in [0,32].
func (w *Writer) WriteBits(value uint32, n int) {
	if n <= 0 {
		return
	}
	if n > 32 {
		n = 32
	}
	if !w.ensure(n) {
		return
	}
	for n > 0 {
		byteIdx := w.bitIndex >> 3
		bitOff := w.bitIndex & 7
		take := 8 - bitOff
		if take > n {
			take = n
		}
		chunk := byte(value) & (1<<take - 1)
		w.data[byteIdx] |= chunk << bitOff
		value >>= uint(take)
		w.bitIndex += take
		n -= take
	}
}

// WriteBits64 writes the low n bits of value, n in [0,64].
func (w *Writer) WriteBits64(value uint64, n int) {
	if n <= 32 {
		w.WriteBits(uint32(value), n)
		return
	}
	if n > 64 {
		n = 64
	}
	w.WriteBits(uint32(value), 32)
	w.WriteBits(uint32(value>>32), n-32)
}

// WriteBool writes a single bit.
func (w *Writer) WriteBool(value bool) {
	if value {
		w.WriteBits(1, 1)
	} else {
		w.WriteBits(0, 1)
	}
}

// Align advances the cursor to the next byte boundary.
// Padding bits are zero.
func (w *Writer) Align() {
	if rem := w.bitIndex & 7; rem != 0 {
		w.WriteBits(0, 8-rem)
	}
}

// WriteAlignedByte writes a single byte on a byte boundary.
func (w *Writer) WriteAlignedByte(value byte) {
	w.Align()
	w.WriteBits(uint32(value), 8)
}

// WriteBytes writes a byte-aligned run of raw bytes.
func (w *Writer) WriteBytes(data []byte) {
	w.Align()
	if !w.ensure(len(data) * 8) {
		return
	}
	copy(w.data[w.bitIndex>>3:], data)
	w.bitIndex += len(data) * 8
}

// WriteUint8 writes an unsigned 8-bit integer.
func (w *Writer) WriteUint8(value uint8) { w.WriteBits(uint32(value), 8) }

// WriteUint16 writes an unsigned 16-bit integer.
func (w *Writer) WriteUint16(value uint16) { w.WriteBits(uint32(value), 16) }

// WriteUint32 writes an unsigned 32-bit integer.
func (w *Writer) WriteUint32(value uint32) { w.WriteBits(value, 32) }

// WriteUint64 writes an unsigned 64-bit integer.
func (w *Writer) WriteUint64(value uint64) { w.WriteBits64(value, 64) }

// WriteInt8 writes a signed 8-bit integer.
func (w *Writer) WriteInt8(value int8) { w.WriteBits(uint32(uint8(value)), 8) }

// WriteInt16 writes a signed 16-bit integer.
func (w *Writer) WriteInt16(value int16) { w.WriteBits(uint32(uint16(value)), 16) }

// WriteInt32 writes a signed 32-bit integer.
func (w *Writer) WriteInt32(value int32) { w.WriteBits(uint32(value), 32) }

// WriteInt64 writes a signed 64-bit integer.
func (w *Writer) WriteInt64(value int64) { w.WriteBits64(uint64(value), 64) }

// WriteFloat32 writes a float32 as its raw IEEE 754 bit pattern.
func (w *Writer) WriteFloat32(value float32) { w.WriteBits(math.Float32bits(value), 32) }

// WriteFloat64 writes a float64 as its raw IEEE 754 bit pattern.
func (w *Writer) WriteFloat64(value float64) { w.WriteBits64(math.Float64bits(value), 64) }

// WriteUvarint writes an unsigned integer in base-128 varint encoding,
// byte-aligned.
func (w *Writer) WriteUvarint(value uint64) {
	w.Align()
	for value >= 0x80 {
		w.WriteBits(uint32(value&0x7f)|0x80, 8)
		value >>= 7
	}
	w.WriteBits(uint32(value), 8)
}

// WriteString writes a varint length prefix followed by the raw bytes.
func (w *Writer) WriteString(value string) {
	w.WriteUvarint(uint64(len(value)))
	w.WriteBytes([]byte(value))
}

// BitsRequired returns the number of bits needed to represent any value in
// [0, rangeSize], i.e. ceil(log2(rangeSize+1)).
func BitsRequired(rangeSize uint32) int {
	if rangeSize == 0 {
		return 0
	}
	return bits.Len32(rangeSize)
}

// WriteRangedInt writes value, clamped to [min,max], using the minimum
// number of bits for the range.
func (w *Writer) WriteRangedInt(value, min, max int32) {
	if max < min {
		min, max = max, min
	}
	if value < min {
		value = min
	}
	if value > max {
		value = max
	}
	n := BitsRequired(uint32(max - min))
	w.WriteBits(uint32(value-min), n)
}

// WriteRangedFloat writes value quantized to the given precision within
// [min,max], using the minimum number of bits for the quantized range.
// Reading back yields the nearest representable step, not the exact value.
func (w *Writer) WriteRangedFloat(value float32, min, max, precision float32) {
	if max < min {
		min, max = max, min
	}
	if precision <= 0 {
		precision = 1
	}
	if value < min {
		value = min
	}
	if value > max {
		value = max
	}
	steps := uint32((max-min)/precision + 0.5)
	quantized := uint32((value-min)/precision + 0.5)
	if quantized > steps {
		quantized = steps
	}
	w.WriteBits(quantized, BitsRequired(steps))
}

// Bytes returns the written data, padded with zero bits to a whole byte.
func (w *Writer) Bytes() []byte {
	return w.data[:(w.bitIndex+7)/8]
}

// BitsWritten returns the number of bits written so far.
func (w *Writer) BitsWritten() int { return w.bitIndex }

// HasOverflowed reports whether a write was discarded because a fixed
// buffer ran out of space.
func (w *Writer) HasOverflowed() bool { return w.overflowed }

// Reset clears the Writer for reuse, keeping the underlying buffer.
func (w *Writer) Reset() {
	for i := range w.data {
		w.data[i] = 0
	}
	if !w.fixed {
		w.data = w.data[:0]
	}
	w.bitIndex = 0
	w.overflowed = false
}
