package latency

import (
	"sync"
	"time"
)

// DefaultAlpha is the weight of a new sample in the moving average
const DefaultAlpha = 0.2

// Estimator turns round-trip samples into a smoothed one-way latency
// using an exponential moving average. The first sample seeds it.
type Estimator struct {
	alpha float64

	mu       sync.Mutex
	smoothed float64 // ms
	seeded   bool
	samples  uint64
	lastRTT  time.Duration
}

// NewEstimator creates an estimator; alpha outside (0, 1] falls back to DefaultAlpha
func NewEstimator(alpha float64) *Estimator {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	return &Estimator{alpha: alpha}
}

// Observe folds a round-trip sample in and returns the new smoothed one-way latency
func (e *Estimator) Observe(rtt time.Duration) time.Duration {
	oneWay := float64(rtt) / float64(time.Millisecond) / 2

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.seeded {
		e.smoothed = oneWay
		e.seeded = true
	} else {
		e.smoothed = e.smoothed*(1-e.alpha) + oneWay*e.alpha
	}
	e.samples++
	e.lastRTT = rtt
	return msToDuration(e.smoothed)
}

// OneWay returns the smoothed one-way latency and whether any sample arrived yet
func (e *Estimator) OneWay() (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return msToDuration(e.smoothed), e.seeded
}

// Samples returns the number of samples observed and the last raw RTT
func (e *Estimator) Samples() (uint64, time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.samples, e.lastRTT
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
