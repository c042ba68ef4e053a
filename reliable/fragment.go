package reliable

import "time"

// StaleAssemblyTimeout is how long an incomplete fragment assembly may wait
// for missing fragments before it is purged.
const StaleAssemblyTimeout = 30 * time.Second

// FragmentAssembly collects the fragments of one oversized payload, keyed
// by (address, channel, sequence). It lives from the first fragment seen
// until reassembly completes or the assembly goes stale.
type FragmentAssembly struct {
	totalFragments int
	fragments      map[uint16][]byte
	received       int
	firstSeen      time.Time
}

func newFragmentAssembly(total int, now time.Time) *FragmentAssembly {
	return &FragmentAssembly{
		totalFragments: total,
		fragments:      make(map[uint16][]byte),
		firstSeen:      now,
	}
}

// add stores one fragment. Duplicate indices are ignored. It returns true
// once every fragment index is present.
func (a *FragmentAssembly) add(index uint16, data []byte) bool {
	if int(index) >= a.totalFragments {
		return false
	}
	if _, exists := a.fragments[index]; exists {
		return a.received == a.totalFragments
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	a.fragments[index] = buf
	a.received++
	return a.received == a.totalFragments
}

// reassemble concatenates the fragments in index order. Callers must only
// invoke it after add reported completion.
func (a *FragmentAssembly) reassemble() []byte {
	size := 0
	for _, frag := range a.fragments {
		size += len(frag)
	}
	payload := make([]byte, 0, size)
	for i := 0; i < a.totalFragments; i++ {
		payload = append(payload, a.fragments[uint16(i)]...)
	}
	return payload
}

// stale reports whether the assembly has been waiting longer than the
// staleness timeout.
func (a *FragmentAssembly) stale(now time.Time) bool {
	return now.Sub(a.firstSeen) > StaleAssemblyTimeout
}
