package bitstream

import "math"

// Reader consumes bits from a fixed byte buffer.
//
// A read that would pass the end of the buffer sets a sticky overflow flag
// and returns a zero value instead of failing.
type Reader struct {
	data       []byte
	bitIndex   int
	overflowed bool
}

// NewReader creates a Reader over the given buffer. The Reader does not
// copy the buffer; the caller must not mutate it while reading.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// ReadBits reads n bits, n in [0,32], and returns them in the low bits of
// the result.
func (r *Reader) ReadBits(n int) uint32 {
	if n <= 0 {
		return 0
	}
	if n > 32 {
		n = 32
	}
	if r.bitIndex+n > len(r.data)*8 {
		r.overflowed = true
		return 0
	}
	var value uint32
	shift := 0
	for n > 0 {
		byteIdx := r.bitIndex >> 3
		bitOff := r.bitIndex & 7
		take := 8 - bitOff
		if take > n {
			take = n
		}
		chunk := (r.data[byteIdx] >> bitOff) & (1<<take - 1)
		value |= uint32(chunk) << shift
		shift += take
		r.bitIndex += take
		n -= take
	}
	return value
}

// ReadBits64 reads n bits, n in [0,64].
func (r *Reader) ReadBits64(n int) uint64 {
	if n <= 32 {
		return uint64(r.ReadBits(n))
	}
	if n > 64 {
		n = 64
	}
	lo := uint64(r.ReadBits(32))
	hi := uint64(r.ReadBits(n - 32))
	return lo | hi<<32
}

// ReadBool reads a single bit.
func (r *Reader) ReadBool() bool {
	return r.ReadBits(1) != 0
}

// Align advances the cursor to the next byte boundary.
func (r *Reader) Align() {
	if rem := r.bitIndex & 7; rem != 0 {
		r.bitIndex += 8 - rem
		if r.bitIndex > len(r.data)*8 {
			r.bitIndex = len(r.data) * 8
		}
	}
}

// ReadAlignedByte reads a single byte from a byte boundary.
func (r *Reader) ReadAlignedByte() byte {
	r.Align()
	return byte(r.ReadBits(8))
}

// ReadBytes reads a byte-aligned run of n raw bytes.
// Returns nil and sets the overflow flag if fewer than n bytes remain.
func (r *Reader) ReadBytes(n int) []byte {
	r.Align()
	// Compare against the remaining byte count rather than multiplying n,
	// which a hostile length prefix could overflow.
	if n < 0 || n > (len(r.data)*8-r.bitIndex)/8 {
		r.overflowed = true
		return nil
	}
	start := r.bitIndex >> 3
	out := make([]byte, n)
	copy(out, r.data[start:start+n])
	r.bitIndex += n * 8
	return out
}

// ReadUint8 reads an unsigned 8-bit integer.
func (r *Reader) ReadUint8() uint8 { return uint8(r.ReadBits(8)) }

// ReadUint16 reads an unsigned 16-bit integer.
func (r *Reader) ReadUint16() uint16 { return uint16(r.ReadBits(16)) }

// ReadUint32 reads an unsigned 32-bit integer.
func (r *Reader) ReadUint32() uint32 { return r.ReadBits(32) }

// ReadUint64 reads an unsigned 64-bit integer.
func (r *Reader) ReadUint64() uint64 { return r.ReadBits64(64) }

// ReadInt8 reads a signed 8-bit integer.
func (r *Reader) ReadInt8() int8 { return int8(r.ReadBits(8)) }

// ReadInt16 reads a signed 16-bit integer.
func (r *Reader) ReadInt16() int16 { return int16(r.ReadBits(16)) }

// ReadInt32 reads a signed 32-bit integer.
func (r *Reader) ReadInt32() int32 { return int32(r.ReadBits(32)) }

// ReadInt64 reads a signed 64-bit integer.
func (r *Reader) ReadInt64() int64 { return int64(r.ReadBits64(64)) }

// ReadFloat32 reads a float32 from its raw IEEE 754 bit pattern.
func (r *Reader) ReadFloat32() float32 { return math.Float32frombits(r.ReadBits(32)) }

// ReadFloat64 reads a float64 from its raw IEEE 754 bit pattern.
func (r *Reader) ReadFloat64() float64 { return math.Float64frombits(r.ReadBits64(64)) }

// ReadUvarint reads a byte-aligned base-128 varint.
func (r *Reader) ReadUvarint() uint64 {
	r.Align()
	var value uint64
	shift := 0
	for {
		if shift >= 64 {
			r.overflowed = true
			return 0
		}
		b := r.ReadBits(8)
		if r.overflowed {
			return 0
		}
		value |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return value
		}
		shift += 7
	}
}

// ReadString reads a varint length prefix followed by the raw bytes.
func (r *Reader) ReadString() string {
	length := r.ReadUvarint()
	if r.overflowed {
		return ""
	}
	data := r.ReadBytes(int(length))
	if r.overflowed {
		return ""
	}
	return string(data)
}

// ReadRangedInt reads a value written with WriteRangedInt over the same range.
func (r *Reader) ReadRangedInt(min, max int32) int32 {
	if max < min {
		min, max = max, min
	}
	n := BitsRequired(uint32(max - min))
	return min + int32(r.ReadBits(n))
}

// ReadRangedFloat reads a value written with WriteRangedFloat over the same
// range and precision.
func (r *Reader) ReadRangedFloat(min, max, precision float32) float32 {
	if max < min {
		min, max = max, min
	}
	if precision <= 0 {
		precision = 1
	}
	steps := uint32((max-min)/precision + 0.5)
	quantized := r.ReadBits(BitsRequired(steps))
	return min + float32(quantized)*precision
}

// BitsRead returns the number of bits consumed so far.
func (r *Reader) BitsRead() int { return r.bitIndex }

// BitsRemaining returns the number of unread bits.
func (r *Reader) BitsRemaining() int { return len(r.data)*8 - r.bitIndex }

// HasOverflowed reports whether any read passed the end of the buffer.
func (r *Reader) HasOverflowed() bool { return r.overflowed }
