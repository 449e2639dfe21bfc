package micpipeline

import (
	"math"
	"sync"
	"time"
)

// TargetDelay derives the outgoing delay from a smoothed one-way latency:
// clamp(oneWay + margin, 0, maxDelay).
func TargetDelay(oneWay, margin, maxDelay time.Duration) time.Duration {
	d := oneWay + margin
	if d < 0 {
		return 0
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}

type queuedFrame struct {
	frame     Frame
	releaseAt time.Time
}

// DelayLine holds frames back by a variable delay. The applied delay
// follows the target exponentially with time-constant tau, so a new
// target never produces a step in the output timing. Release times
// never move backward.
type DelayLine struct {
	tau time.Duration

	mu          sync.Mutex
	target      time.Duration
	current     time.Duration
	lastUpdate  time.Time
	lastRelease time.Time
	queue       []queuedFrame
}

// NewDelayLine creates a delay line; tau <= 0 applies targets immediately
func NewDelayLine(tau time.Duration) *DelayLine {
	return &DelayLine{tau: tau}
}

// SetTarget changes the delay the line converges to.
// The first target is applied immediately.
func (d *DelayLine) SetTarget(target time.Duration, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lastUpdate.IsZero() {
		d.target = target
		d.current = target
		d.lastUpdate = now
		return
	}
	d.advance(now)
	d.target = target
	if d.tau <= 0 {
		d.current = target
	}
}

// Target returns the delay the line converges to
func (d *DelayLine) Target() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.target
}

// Current returns the delay applied at now
func (d *DelayLine) Current(now time.Time) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.advance(now)
	return d.current
}

func (d *DelayLine) advance(now time.Time) {
	if d.lastUpdate.IsZero() {
		d.lastUpdate = now
		d.current = d.target
		return
	}
	dt := now.Sub(d.lastUpdate)
	if dt <= 0 {
		return
	}
	if d.tau <= 0 {
		d.current = d.target
	} else {
		k := 1 - math.Exp(-float64(dt)/float64(d.tau))
		d.current += time.Duration(float64(d.target-d.current) * k)
	}
	d.lastUpdate = now
}

// Push queues f for release at its capture time plus the current delay
func (d *DelayLine) Push(f Frame, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.advance(now)
	captured := f.CapturedAt
	if captured.IsZero() {
		captured = now
	}
	releaseAt := captured.Add(d.current)
	if releaseAt.Before(d.lastRelease) {
		releaseAt = d.lastRelease
	}
	d.lastRelease = releaseAt
	d.queue = append(d.queue, queuedFrame{frame: f, releaseAt: releaseAt})
}

// Pop removes and returns every frame due at now, in order
func (d *DelayLine) Pop(now time.Time) []Frame {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for n < len(d.queue) && !d.queue[n].releaseAt.After(now) {
		n++
	}
	if n == 0 {
		return nil
	}
	out := make([]Frame, n)
	for i := 0; i < n; i++ {
		out[i] = d.queue[i].frame
	}
	d.queue = append(d.queue[:0], d.queue[n:]...)
	return out
}

// Len returns the number of frames held back
func (d *DelayLine) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Drop discards every queued frame
func (d *DelayLine) Drop() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.queue)
	d.queue = nil
	return n
}
