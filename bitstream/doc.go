// Package bitstream implements bit-level serialization for network packets.
//
// A Writer packs values into a byte buffer at sub-byte granularity, and a
// Reader unpacks them in the same order. Bits are packed least-significant
// first within each byte, so a value written with WriteBits(v, n) is read
// back with ReadBits(n) regardless of byte boundaries.
//
// Reads past the end of the buffer do not fail; they set a sticky overflow
// flag and return zero values. Callers should check HasOverflowed once after
// a parse sequence rather than after every read.
//
// Example:
//
//	w := bitstream.NewWriter()
//	w.WriteBits(3, 2)
//	w.WriteRangedFloat(heading, 0, 360, 0.1)
//	w.WriteString("player")
//
//	r := bitstream.NewReader(w.Bytes())
//	kind := r.ReadBits(2)
//	heading := r.ReadRangedFloat(0, 360, 0.1)
//	name := r.ReadString()
//	if r.HasOverflowed() {
//	    // truncated or corrupt input
//	}
package bitstream
