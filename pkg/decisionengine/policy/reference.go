package policy

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/carbonshift/decision-engine/pkg/decisionengine/clock"
)

// IntensityReference tracks recent intensity_now observations and exposes
// their median as the reference the greedy multiplier compares against. It is
// bootstrapped by the first observation.
type IntensityReference struct {
	mutex  sync.Mutex
	clock  clock.Clock
	window time.Duration

	samples []intensitySample
}

type intensitySample struct {
	at    time.Time
	value float64
}

// NewIntensityReference tracks observations inside the given window.
func NewIntensityReference(window time.Duration, clk clock.Clock) *IntensityReference {
	if window <= 0 {
		window = 5 * time.Minute
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &IntensityReference{clock: clk, window: window}
}

// SetWindow adjusts the observation window (config pushes).
func (r *IntensityReference) SetWindow(window time.Duration) {
	if window <= 0 {
		return
	}
	r.mutex.Lock()
	r.window = window
	r.mutex.Unlock()
}

// Observe folds one intensity_now reading into the window.
func (r *IntensityReference) Observe(value float64) {
	if value < 0 {
		return
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.samples = append(r.samples, intensitySample{at: r.clock.Now(), value: value})
	r.pruneLocked()
}

// Reference returns the median of windowed observations. The boolean is false
// before any observation.
func (r *IntensityReference) Reference() (float64, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.pruneLocked()
	if len(r.samples) == 0 {
		return 0, false
	}
	values := make([]float64, len(r.samples))
	for i, s := range r.samples {
		values[i] = s.value
	}
	sort.Float64s(values)
	return stat.Quantile(0.5, stat.Empirical, values, nil), true
}

func (r *IntensityReference) pruneLocked() {
	cutoff := r.clock.Now().Add(-r.window)
	kept := r.samples[:0]
	for _, s := range r.samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	r.samples = kept
}
