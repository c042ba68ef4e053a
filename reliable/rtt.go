package reliable

import "time"

// EWMA gains for the RTT estimate and its variance (RFC 6298 values).
const (
	rttAlpha = 0.125
	rttBeta  = 0.25
)

// RTTEstimator maintains a smoothed round-trip-time estimate and derives a
// retransmission timeout from it.
//
// On each sample: rtt += alpha*(sample-rtt) and
// rttVar += beta*(|sample-rtt| - rttVar), with
// RTO = clamp(rtt + 4*rttVar, initial, max).
type RTTEstimator struct {
	rtt        time.Duration
	rttVar     time.Duration
	initialRTO time.Duration
	maxRTO     time.Duration
	sampled    bool
}

// NewRTTEstimator creates an estimator whose RTO is clamped to
// [initialRTO, maxRTO].
func NewRTTEstimator(initialRTO, maxRTO time.Duration) *RTTEstimator {
	return &RTTEstimator{initialRTO: initialRTO, maxRTO: maxRTO}
}

// AddSample folds one round-trip measurement into the estimate.
func (e *RTTEstimator) AddSample(sample time.Duration) {
	if sample < 0 {
		return
	}
	if !e.sampled {
		e.rtt = sample
		e.rttVar = sample / 2
		e.sampled = true
		return
	}

	err := sample - e.rtt
	e.rtt += time.Duration(rttAlpha * float64(err))
	if err < 0 {
		err = -err
	}
	e.rttVar += time.Duration(rttBeta * float64(err-e.rttVar))
	if e.rttVar < 0 {
		e.rttVar = 0
	}
}

// RTT returns the smoothed round-trip estimate, zero before any sample.
func (e *RTTEstimator) RTT() time.Duration { return e.rtt }

// RTO returns the retransmission timeout, always within
// [initialRTO, maxRTO].
func (e *RTTEstimator) RTO() time.Duration {
	rto := e.rtt + 4*e.rttVar
	if rto < e.initialRTO {
		rto = e.initialRTO
	}
	if rto > e.maxRTO {
		rto = e.maxRTO
	}
	return rto
}
