package reliable

// halfSequenceSpace is the midpoint of the 16-bit sequence space, used to
// decide which direction around the wrap is shorter.
const halfSequenceSpace = 32768

// SequenceNewerThan reports whether sequence a is more recent than b under
// 16-bit wraparound rules: a is newer iff it is ahead of b by no more than
// half the sequence space.
func SequenceNewerThan(a, b uint16) bool {
	return (a > b && a-b <= halfSequenceSpace) ||
		(a < b && b-a > halfSequenceSpace)
}

// SequenceDiff returns the signed distance from b to a, folded into
// [-32768, 32768]. The result is positive when a is newer than b.
func SequenceDiff(a, b uint16) int {
	diff := int(a) - int(b)
	if diff > halfSequenceSpace {
		diff -= 65536
	} else if diff < -halfSequenceSpace {
		diff += 65536
	}
	return diff
}
