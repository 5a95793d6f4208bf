package session

import (
	"math"
	"sync"

	"github.com/carbonshift/decision-engine/pkg/decisionengine/config"
)

// smoothingBeta is the IIR coefficient of the throttle filter.
const smoothingBeta = 0.5

// routerComponent names the component class excluded from throttling, so
// ingress capacity survives a clamp-down.
const routerComponent = "router"

// ThrottleState is the outcome of one throttle update. Raw values feed
// diagnostics, Throttle is the smoothed operational value.
type ThrottleState struct {
	Throttle       float64
	Raw            float64
	CreditsRatio   float64
	IntensityRatio float64
}

// throttle holds the smoothed processing-throttle state of a session.
type throttle struct {
	mutex sync.Mutex

	min     float64
	floor   float64
	ceiling float64

	smoothed  float64
	hasSample bool
}

func newThrottle(min, floor, ceiling float64) *throttle {
	return &throttle{min: min, floor: floor, ceiling: ceiling}
}

// reconfigure updates the bounds without resetting the filter state.
func (t *throttle) reconfigure(min, floor, ceiling float64) {
	t.mutex.Lock()
	t.min = min
	t.floor = floor
	t.ceiling = ceiling
	t.mutex.Unlock()
}

// update folds one cycle's signals into the filter. intensity is ignored when
// hasIntensity is false, which leaves the intensity ratio fully open.
func (t *throttle) update(creditsRatio, intensity float64, hasIntensity bool) ThrottleState {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	creditsRatio = clampFloat(creditsRatio, 0, 1)

	intensityRatio := 1.0
	if hasIntensity && t.ceiling > t.floor {
		intensityRatio = 1 - clampFloat((intensity-t.floor)/(t.ceiling-t.floor), 0, 1)
	}

	// raw stays unfloored for diagnostics; the operational value is floored
	// before smoothing.
	raw := math.Min(creditsRatio, intensityRatio)
	floored := math.Max(t.min, raw)

	if !t.hasSample {
		t.smoothed = floored
		t.hasSample = true
	} else {
		t.smoothed = (1-smoothingBeta)*t.smoothed + smoothingBeta*floored
	}
	t.smoothed = clampFloat(t.smoothed, t.min, 1)

	return ThrottleState{
		Throttle:       t.smoothed,
		Raw:            raw,
		CreditsRatio:   creditsRatio,
		IntensityRatio: intensityRatio,
	}
}

// ceilings derives the per-component replica ceilings from the throttle.
// Router components always keep their configured maximum.
func ceilings(bounds map[string]config.ComponentBounds, throttleValue float64) map[string]int {
	out := make(map[string]int, len(bounds))
	for name, b := range bounds {
		if name == routerComponent {
			out[name] = b.MaxReplicas
			continue
		}
		ceiling := int(math.Floor(float64(b.MaxReplicas) * throttleValue))
		if ceiling < b.MinReplicas {
			ceiling = b.MinReplicas
		}
		if b.MinReplicas < 1 && ceiling < 1 {
			// A component never scales below one replica via the throttle;
			// scale-to-zero stays a reconciler decision.
			ceiling = 1
		}
		out[name] = ceiling
	}
	return out
}

func clampFloat(v, low, high float64) float64 {
	return math.Max(low, math.Min(v, high))
}
