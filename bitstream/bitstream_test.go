package bitstream

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteBitsReadBits(t *testing.T) {
	tests := []struct {
		name   string
		value  uint32
		bits   int
		expect uint32
	}{
		{name: "single bit set", value: 1, bits: 1, expect: 1},
		{name: "single bit clear", value: 0, bits: 1, expect: 0},
		{name: "three bits", value: 5, bits: 3, expect: 5},
		{name: "full byte", value: 0xAB, bits: 8, expect: 0xAB},
		{name: "crosses byte boundary", value: 0x1FF, bits: 9, expect: 0x1FF},
		{name: "full word", value: 0xDEADBEEF, bits: 32, expect: 0xDEADBEEF},
		{name: "masks high bits", value: 0xFF, bits: 4, expect: 0x0F},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewWriter()
			w.WriteBits(tt.value, tt.bits)
			r := NewReader(w.Bytes())
			got := r.ReadBits(tt.bits)
			assert.Equal(t, tt.expect, got)
			assert.False(t, r.HasOverflowed())
		})
	}
}

func TestMixedSequenceRoundTrip(t *testing.T) {
	w := NewWriter()
	w.WriteBool(true)
	w.WriteBits(5, 3)
	w.WriteUint16(0xBEEF)
	w.WriteInt32(-123456)
	w.WriteFloat32(3.14159)
	w.WriteFloat64(-2.718281828459045)
	w.WriteUint64(0x0123456789ABCDEF)
	w.WriteString("hello, world")
	w.WriteUvarint(300)
	w.WriteBytes([]byte{1, 2, 3})

	r := NewReader(w.Bytes())
	assert.True(t, r.ReadBool())
	assert.Equal(t, uint32(5), r.ReadBits(3))
	assert.Equal(t, uint16(0xBEEF), r.ReadUint16())
	assert.Equal(t, int32(-123456), r.ReadInt32())
	assert.Equal(t, float32(3.14159), r.ReadFloat32())
	assert.Equal(t, -2.718281828459045, r.ReadFloat64())
	assert.Equal(t, uint64(0x0123456789ABCDEF), r.ReadUint64())
	assert.Equal(t, "hello, world", r.ReadString())
	assert.Equal(t, uint64(300), r.ReadUvarint())
	assert.Equal(t, []byte{1, 2, 3}, r.ReadBytes(3))
	require.False(t, r.HasOverflowed())
}

func TestSignedIntegerRoundTrip(t *testing.T) {
	w := NewWriter()
	w.WriteInt8(-128)
	w.WriteInt16(-32768)
	w.WriteInt32(math.MinInt32)
	w.WriteInt64(math.MinInt64)

	r := NewReader(w.Bytes())
	assert.Equal(t, int8(-128), r.ReadInt8())
	assert.Equal(t, int16(-32768), r.ReadInt16())
	assert.Equal(t, int32(math.MinInt32), r.ReadInt32())
	assert.Equal(t, int64(math.MinInt64), r.ReadInt64())
	assert.False(t, r.HasOverflowed())
}

func TestReadPastEndSetsOverflow(t *testing.T) {
	w := NewWriter()
	w.WriteUint8(42)

	r := NewReader(w.Bytes())
	assert.Equal(t, uint8(42), r.ReadUint8())
	assert.False(t, r.HasOverflowed())

	// Next read exceeds the buffer: zero value, sticky flag.
	assert.Equal(t, uint32(0), r.ReadBits(8))
	assert.True(t, r.HasOverflowed())

	// Flag stays set and subsequent reads keep returning zero.
	assert.Equal(t, uint16(0), r.ReadUint16())
	assert.Equal(t, "", r.ReadString())
	assert.True(t, r.HasOverflowed())
}

func TestReadTruncatedString(t *testing.T) {
	w := NewWriter()
	w.WriteString("this string will be cut short")
	data := w.Bytes()

	r := NewReader(data[:5])
	got := r.ReadString()
	assert.Equal(t, "", got)
	assert.True(t, r.HasOverflowed())
}

func TestReadStringHugeLengthPrefix(t *testing.T) {
	// A malformed varint can claim a string length far beyond the buffer.
	// The reader must flag overflow instead of attempting the allocation.
	data := binary.AppendUvarint(nil, 1<<61)

	r := NewReader(data)
	got := r.ReadString()
	assert.Equal(t, "", got)
	assert.True(t, r.HasOverflowed())
}

func TestReadBytesNegativeCount(t *testing.T) {
	r := NewReader([]byte{1, 2, 3, 4})
	assert.Nil(t, r.ReadBytes(-1))
	assert.True(t, r.HasOverflowed())
}

func TestBitsRequired(t *testing.T) {
	tests := []struct {
		rangeSize uint32
		want      int
	}{
		{0, 0},
		{1, 1},
		{2, 2},
		{3, 2},
		{4, 3},
		{255, 8},
		{256, 9},
		{65535, 16},
		{math.MaxUint32, 32},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, BitsRequired(tt.rangeSize), "range %d", tt.rangeSize)
	}
}

func TestRangedIntRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		value    int32
		min, max int32
		want     int32
	}{
		{name: "mid range", value: 50, min: 0, max: 100, want: 50},
		{name: "at min", value: -10, min: -10, max: 10, want: -10},
		{name: "at max", value: 10, min: -10, max: 10, want: 10},
		{name: "clamped below", value: -99, min: -10, max: 10, want: -10},
		{name: "clamped above", value: 99, min: -10, max: 10, want: 10},
		{name: "degenerate range", value: 7, min: 7, max: 7, want: 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewWriter()
			w.WriteRangedInt(tt.value, tt.min, tt.max)
			r := NewReader(w.Bytes())
			assert.Equal(t, tt.want, r.ReadRangedInt(tt.min, tt.max))
		})
	}
}

func TestRangedIntUsesMinimumBits(t *testing.T) {
	w := NewWriter()
	w.WriteRangedInt(5, 0, 7) // range 7 -> 3 bits
	assert.Equal(t, 3, w.BitsWritten())

	w.Reset()
	w.WriteRangedInt(100, 0, 1000) // range 1000 -> 10 bits
	assert.Equal(t, 10, w.BitsWritten())
}

func TestRangedFloatRoundTrip(t *testing.T) {
	w := NewWriter()
	w.WriteRangedFloat(187.3, 0, 360, 0.1)
	w.WriteRangedFloat(-0.25, -1, 1, 0.01)
	w.WriteRangedFloat(999, 0, 100, 0.5) // clamped to max

	r := NewReader(w.Bytes())
	assert.InDelta(t, 187.3, r.ReadRangedFloat(0, 360, 0.1), 0.1)
	assert.InDelta(t, -0.25, r.ReadRangedFloat(-1, 1, 0.01), 0.01)
	assert.InDelta(t, 100, r.ReadRangedFloat(0, 100, 0.5), 0.5)
	assert.False(t, r.HasOverflowed())
}

func TestUvarintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 300, 16383, 16384, math.MaxUint32, math.MaxUint64}

	w := NewWriter()
	for _, v := range values {
		w.WriteUvarint(v)
	}

	r := NewReader(w.Bytes())
	for _, v := range values {
		assert.Equal(t, v, r.ReadUvarint())
	}
	assert.False(t, r.HasOverflowed())
}

func TestFixedBufferOverflow(t *testing.T) {
	buf := make([]byte, 2)
	w := NewWriterBuffer(buf)
	w.WriteUint16(0x1234)
	assert.False(t, w.HasOverflowed())

	w.WriteUint8(1)
	assert.True(t, w.HasOverflowed())
	assert.Equal(t, 16, w.BitsWritten())
}

func TestAlignPadsWithZeroBits(t *testing.T) {
	w := NewWriter()
	w.WriteBits(1, 1)
	w.Align()
	w.WriteAlignedByte(0xFF)

	assert.Equal(t, 16, w.BitsWritten())

	r := NewReader(w.Bytes())
	assert.Equal(t, uint32(1), r.ReadBits(1))
	assert.Equal(t, byte(0xFF), r.ReadAlignedByte())
}

func TestWriterReset(t *testing.T) {
	w := NewWriter()
	w.WriteUint32(0xFFFFFFFF)
	w.Reset()

	assert.Equal(t, 0, w.BitsWritten())
	w.WriteUint8(7)

	r := NewReader(w.Bytes())
	assert.Equal(t, uint8(7), r.ReadUint8())
}
