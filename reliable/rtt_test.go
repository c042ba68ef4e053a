package reliable

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRTOBoundsAlwaysHold(t *testing.T) {
	initial := 200 * time.Millisecond
	max := 2 * time.Second
	e := NewRTTEstimator(initial, max)

	// Before any sample the RTO sits at the initial floor.
	assert.Equal(t, initial, e.RTO())

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10000; i++ {
		sample := time.Duration(rng.Int63n(int64(5 * time.Second)))
		e.AddSample(sample)
		rto := e.RTO()
		assert.GreaterOrEqual(t, rto, initial, "RTO below floor after sample %d", i)
		assert.LessOrEqual(t, rto, max, "RTO above ceiling after sample %d", i)
	}
}

func TestRTTConvergesTowardSamples(t *testing.T) {
	e := NewRTTEstimator(10*time.Millisecond, 10*time.Second)

	for i := 0; i < 100; i++ {
		e.AddSample(100 * time.Millisecond)
	}
	assert.InDelta(t, float64(100*time.Millisecond), float64(e.RTT()), float64(5*time.Millisecond))

	// Variance collapses on a steady signal, so RTO approaches the RTT.
	assert.Less(t, e.RTO(), 150*time.Millisecond)
}

func TestRTTFirstSampleInitializes(t *testing.T) {
	e := NewRTTEstimator(10*time.Millisecond, 10*time.Second)
	e.AddSample(80 * time.Millisecond)

	assert.Equal(t, 80*time.Millisecond, e.RTT())
	// First sample sets rttVar to sample/2, RTO = rtt + 4*rttVar.
	assert.Equal(t, 240*time.Millisecond, e.RTO())
}

func TestRTTIgnoresNegativeSamples(t *testing.T) {
	e := NewRTTEstimator(10*time.Millisecond, time.Second)
	e.AddSample(50 * time.Millisecond)
	before := e.RTT()

	e.AddSample(-time.Second)
	assert.Equal(t, before, e.RTT())
}

func TestRTOSpikesWithVariance(t *testing.T) {
	e := NewRTTEstimator(time.Millisecond, 10*time.Second)
	for i := 0; i < 50; i++ {
		e.AddSample(20 * time.Millisecond)
	}
	calm := e.RTO()

	// Oscillating samples drive variance, and with it the RTO, upward.
	for i := 0; i < 50; i++ {
		if i%2 == 0 {
			e.AddSample(200 * time.Millisecond)
		} else {
			e.AddSample(20 * time.Millisecond)
		}
	}
	assert.Greater(t, e.RTO(), calm)
}
