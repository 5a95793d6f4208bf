// Package policy implements the carbon-aware scheduling policies. A policy is
// a pure function of the flavour set, the forecast sample and the ledger state
// producing a traffic distribution over the enabled flavours.
package policy

import (
	"errors"
	"fmt"
	"math"

	"k8s.io/klog/v2"

	"github.com/carbonshift/decision-engine/pkg/decisionengine/carbon"
	"github.com/carbonshift/decision-engine/pkg/decisionengine/flavour"
	"github.com/carbonshift/decision-engine/pkg/decisionengine/ledger"
)

const (
	// Names of the built-in policies, ordered from most to least demanding.
	NameForecastAwareGlobal = "forecast-aware-global"
	NameForecastAware       = "forecast-aware"
	NameCreditGreedy        = "credit-greedy"
	NamePrecisionTier       = "precision-tier"

	// DefaultName is used when no policy is configured.
	DefaultName = NameCreditGreedy

	// epsilon guards divisions and the weight-sum tolerance.
	epsilon = 1e-6
)

// ErrNeedsForecast signals that a policy cannot run without a usable forecast
// sample; the evaluator walks the fallback chain on it.
var ErrNeedsForecast = errors.New("policy requires a forecast sample")

// ErrNoFlavours signals that no enabled flavour is available.
var ErrNoFlavours = errors.New("no enabled flavours")

// Inputs is the immutable context one evaluation hands to a policy.
type Inputs struct {
	// Flavours is the registry snapshot, sorted by descending precision.
	Flavours []flavour.Profile
	// Forecast is nil when the provider is unavailable.
	Forecast *carbon.ForecastSnapshot
	// Ledger is a consistent ledger reading.
	Ledger ledger.State
	// Reference tracks observed intensity for the greedy multiplier. Optional.
	Reference *IntensityReference
	// Emissions is the session's running emissions meter. Optional.
	Emissions *Meter
}

func (in Inputs) enabled() []flavour.Profile {
	out := make([]flavour.Profile, 0, len(in.Flavours))
	for _, f := range in.Flavours {
		if f.Enabled {
			out = append(out, f)
		}
	}
	return out
}

// Result is one policy decision.
type Result struct {
	// Policy is the name of the policy that actually produced the result,
	// which differs from the requested one after a fallback.
	Policy string
	// Weights maps every enabled flavour to a non-negative share, summing to 1.
	Weights map[string]float64
	// ExpectedPrecision is the weight-averaged precision of the distribution.
	ExpectedPrecision float64
	// Diagnostics carries named signals for snapshots, metrics and tests.
	Diagnostics map[string]float64
}

// Policy is the shared evaluation interface.
type Policy interface {
	Name() string
	Evaluate(in Inputs) (Result, error)
}

// fallbackChain maps each policy to its successor when prerequisites are
// missing. precision-tier is the terminal policy and always succeeds.
var fallbackChain = map[string]string{
	NameForecastAwareGlobal: NameForecastAware,
	NameForecastAware:       NameCreditGreedy,
	NameCreditGreedy:        NamePrecisionTier,
}

func forName(name string) (Policy, bool) {
	switch name {
	case NamePrecisionTier:
		return precisionTier{}, true
	case NameCreditGreedy:
		return creditGreedy{}, true
	case NameForecastAware:
		return forecastAware{}, true
	case NameForecastAwareGlobal:
		return forecastAwareGlobal{}, true
	}
	return nil, false
}

// Known reports whether name is a recognised policy.
func Known(name string) bool {
	_, ok := forName(name)
	return ok
}

// Names lists the recognised policies.
func Names() []string {
	return []string{NamePrecisionTier, NameCreditGreedy, NameForecastAware, NameForecastAwareGlobal}
}

// Evaluate runs the named policy against the inputs, walking the fallback
// chain when a policy cannot run. A fallback is reported via the
// policy_fallback diagnostic on the result.
func Evaluate(name string, in Inputs) (Result, error) {
	requested := name
	if !Known(name) {
		return Result{}, fmt.Errorf("unknown policy %q", name)
	}
	if len(in.enabled()) == 0 {
		return Result{}, ErrNoFlavours
	}

	for {
		p, _ := forName(name)
		result, err := p.Evaluate(in)
		if err == nil {
			if name != requested {
				if result.Diagnostics == nil {
					result.Diagnostics = map[string]float64{}
				}
				result.Diagnostics["policy_fallback"] = 1
				klog.V(3).InfoS("Policy fell back",
					"requested", requested, "evaluated", name)
			}
			return result, nil
		}
		next, ok := fallbackChain[name]
		if !ok || !errors.Is(err, ErrNeedsForecast) {
			return Result{}, fmt.Errorf("policy %s failed: %v", name, err)
		}
		name = next
	}
}

// expectedPrecision computes the weight-averaged precision.
func expectedPrecision(flavours []flavour.Profile, weights map[string]float64) float64 {
	sum := 0.0
	for _, f := range flavours {
		sum += weights[f.Name] * f.Precision
	}
	return sum
}

// usableForecast reports whether the sample carries both slot values.
func usableForecast(snap *carbon.ForecastSnapshot) bool {
	return snap != nil && snap.HasNow && snap.HasNext
}

func clamp(v, low, high float64) float64 {
	return math.Max(low, math.Min(v, high))
}
