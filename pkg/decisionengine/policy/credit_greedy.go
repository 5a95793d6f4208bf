package policy

import (
	"github.com/carbonshift/decision-engine/pkg/decisionengine/flavour"
)

// creditGreedy spends ledger credit on greener flavours while respecting the
// error budget: the baseline flavour keeps 1-allowance of the traffic and the
// rest goes to non-baseline flavours proportionally to their carbon score.
type creditGreedy struct{}

func (creditGreedy) Name() string { return NameCreditGreedy }

func (creditGreedy) Evaluate(in Inputs) (Result, error) {
	base, err := greedyAllocation(in, 0)
	if err != nil {
		return Result{}, err
	}
	return base.result(NameCreditGreedy), nil
}

// greedyBase is the shared credit-greedy allocation the forecast-aware
// variants build on. alphaShift is an additive adjustment to the allowance.
type greedyBase struct {
	flavours    []flavour.Profile
	baseline    flavour.Profile
	weights     map[string]float64
	allowance   float64
	multiplier  float64
	diagnostics map[string]float64
}

func greedyAllocation(in Inputs, alphaShift float64) (*greedyBase, error) {
	enabled := in.enabled()
	if len(enabled) == 0 {
		return nil, ErrNoFlavours
	}
	baseline := enabled[0]

	intensityNow := 0.0
	hasIntensity := false
	if in.Forecast != nil && in.Forecast.HasNow {
		intensityNow = in.Forecast.IntensityNow
		hasIntensity = true
	}

	// Per-flavour intensity estimate: a zero profile value means unknown and
	// stands in for the current grid intensity.
	estimate := func(f flavour.Profile) float64 {
		if f.CarbonIntensity > 0 {
			return f.CarbonIntensity
		}
		return intensityNow
	}

	baselineIntensity := 0.0
	for _, f := range enabled {
		if v := estimate(f); v > baselineIntensity {
			baselineIntensity = v
		}
	}
	if baselineIntensity == 0 && hasIntensity {
		baselineIntensity = intensityNow
	}

	// Scale the allowance by how the current intensity compares to the recent
	// median before applying any policy-specific shift.
	multiplier := 1.0
	if hasIntensity && in.Reference != nil {
		in.Reference.Observe(intensityNow)
		if ref, ok := in.Reference.Reference(); ok && ref > epsilon {
			multiplier = clamp(intensityNow/ref, 0.5, 2.0)
		}
	}

	alpha := clamp(in.Ledger.Allowance*multiplier+alphaShift, 0, 1)

	weights := make(map[string]float64, len(enabled))
	for _, f := range enabled {
		weights[f.Name] = 0
	}

	scoreSum := 0.0
	scores := make(map[string]float64, len(enabled))
	for _, f := range enabled {
		if f.Name == baseline.Name {
			continue
		}
		score := (baselineIntensity - estimate(f)) / maxFloat(f.ExpectedError(), epsilon)
		if score > 0 {
			scores[f.Name] = score
			scoreSum += score
		}
	}

	if scoreSum <= 0 {
		// Nothing is greener than the baseline; keep all mass there.
		alpha = 0
	}
	weights[baseline.Name] = 1 - alpha
	for name, score := range scores {
		weights[name] = alpha * score / scoreSum
	}

	return &greedyBase{
		flavours:   enabled,
		baseline:   baseline,
		weights:    weights,
		allowance:  in.Ledger.Allowance,
		multiplier: multiplier,
		diagnostics: map[string]float64{
			"allowance":            in.Ledger.Allowance,
			"intensity_multiplier": multiplier,
			"baseline_weight":      weights[baseline.Name],
		},
	}, nil
}

func (b *greedyBase) result(policy string) Result {
	return Result{
		Policy:            policy,
		Weights:           b.weights,
		ExpectedPrecision: expectedPrecision(b.flavours, b.weights),
		Diagnostics:       b.diagnostics,
	}
}

// nonBaselineMass returns the total weight currently off the baseline.
func (b *greedyBase) nonBaselineMass() float64 {
	return 1 - b.weights[b.baseline.Name]
}

// shiftMass applies a multiplicative shift of the non-baseline mass: positive
// total moves weight from the baseline into the existing non-baseline
// distribution, negative total pulls it back.
func (b *greedyBase) shiftMass(total float64) {
	mass := b.nonBaselineMass()
	if total > 0 {
		if mass <= 0 {
			return
		}
		moved := total * b.weights[b.baseline.Name]
		scale := (mass + moved) / mass
		for _, f := range b.flavours {
			if f.Name == b.baseline.Name {
				continue
			}
			b.weights[f.Name] *= scale
		}
		b.weights[b.baseline.Name] -= moved
	} else if total < 0 {
		if mass <= 0 {
			return
		}
		moved := -total * mass
		scale := (mass - moved) / mass
		for _, f := range b.flavours {
			if f.Name == b.baseline.Name {
				continue
			}
			b.weights[f.Name] *= scale
		}
		b.weights[b.baseline.Name] += moved
	}
	b.normalise()
	b.diagnostics["baseline_weight"] = b.weights[b.baseline.Name]
}

func (b *greedyBase) normalise() {
	sum := 0.0
	for _, w := range b.weights {
		sum += w
	}
	if sum <= epsilon {
		for name := range b.weights {
			b.weights[name] = 0
		}
		b.weights[b.baseline.Name] = 1
		return
	}
	for name, w := range b.weights {
		b.weights[name] = clamp(w/sum, 0, 1)
	}
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
