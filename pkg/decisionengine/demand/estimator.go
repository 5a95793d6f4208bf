// Package demand estimates the workload request rate from router feedback.
package demand

import (
	"math"
	"sync"
	"time"

	"github.com/carbonshift/decision-engine/pkg/decisionengine/clock"
)

const (
	// defaultSmoothing is the EMA factor applied to incoming rate samples.
	defaultSmoothing = 0.3
	// maxSlope clamps the short-horizon projection to ±50%.
	maxSlope = 0.5
)

// Estimate carries the current rate and its short-horizon projection, both in
// requests per second.
type Estimate struct {
	Now  float64
	Next float64
	// Valid is false when no sample has arrived within the idle window.
	Valid bool
}

// Estimator applies exponential smoothing to a stream of
// (timestamp, request_count) samples.
type Estimator struct {
	mutex sync.Mutex
	clock clock.Clock

	smoothing  float64
	idleWindow time.Duration

	rate       float64
	slope      float64
	haveRate   bool
	lastSample time.Time
}

// NewEstimator creates an estimator that decays to zero after idleWindow
// without samples.
func NewEstimator(idleWindow time.Duration, clk clock.Clock) *Estimator {
	if idleWindow <= 0 {
		idleWindow = 5 * time.Minute
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Estimator{
		smoothing:  defaultSmoothing,
		idleWindow: idleWindow,
		clock:      clk,
	}
}

// SetIdleWindow adjusts the expiry window (config pushes).
func (e *Estimator) SetIdleWindow(w time.Duration) {
	if w <= 0 {
		return
	}
	e.mutex.Lock()
	e.idleWindow = w
	e.mutex.Unlock()
}

// Observe folds one feedback sample of requestCount requests observed over
// windowSeconds into the estimate.
func (e *Estimator) Observe(requestCount int, window time.Duration) {
	if window <= 0 || requestCount < 0 {
		return
	}
	rate := float64(requestCount) / window.Seconds()

	e.mutex.Lock()
	defer e.mutex.Unlock()

	if !e.haveRate {
		e.rate = rate
		e.haveRate = true
	} else {
		prev := e.rate
		e.rate = e.smoothing*rate + (1-e.smoothing)*e.rate
		if prev > 0 {
			rel := (e.rate - prev) / prev
			e.slope = clamp(e.smoothing*rel+(1-e.smoothing)*e.slope, -maxSlope, maxSlope)
		}
	}
	e.lastSample = e.clock.Now()
}

// Estimate returns demand_now (the EMA) and demand_next (the slope
// projection). Both go to zero when no sample arrived within the idle window.
func (e *Estimator) Estimate() Estimate {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if !e.haveRate || e.clock.Since(e.lastSample) > e.idleWindow {
		return Estimate{}
	}
	return Estimate{
		Now:   e.rate,
		Next:  e.rate * (1 + e.slope),
		Valid: true,
	}
}

func clamp(v, low, high float64) float64 {
	return math.Max(low, math.Min(v, high))
}
