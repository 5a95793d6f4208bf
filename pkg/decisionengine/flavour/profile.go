package flavour

import (
	"fmt"
	"math"
)

// Profile represents one precision/quality variant (flavour) of the target
// workload. Each flavour corresponds to a deployment with a specific precision
// level (e.g. a low-power model at 30% precision, high-power at 100%).
type Profile struct {
	// Name is the flavour identifier, unique within a session (e.g. "precision-30").
	Name string
	// Precision is the quality level relative to the baseline, in (0, 1].
	Precision float64
	// CarbonIntensity is the estimated carbon cost per request in gCO2eq.
	// Zero means "unknown, use the current grid intensity".
	CarbonIntensity float64
	// LatencyWeight is an optional cost factor, default 1.
	LatencyWeight float64
	// Deadline is the per-flavour processing deadline in seconds, carried
	// from deployment labels for the buffering layer. Zero means unset.
	Deadline int
	// Enabled marks whether this flavour may receive traffic.
	Enabled bool
	// Annotations carries metadata from deployment labels.
	Annotations map[string]string
}

// ExpectedError returns the expected quality error for this flavour
// (0 = perfect, 1 = worst).
func (p Profile) ExpectedError() float64 {
	return math.Max(0, 1-p.Precision)
}

// Validate checks the profile invariants.
func (p Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("flavour name must not be empty")
	}
	if math.IsNaN(p.Precision) || math.IsInf(p.Precision, 0) {
		return fmt.Errorf("flavour %s: precision must be finite", p.Name)
	}
	if p.Precision <= 0 || p.Precision > 1 {
		return fmt.Errorf("flavour %s: precision must be in (0, 1], got %v", p.Name, p.Precision)
	}
	if p.CarbonIntensity < 0 {
		return fmt.Errorf("flavour %s: carbon intensity must not be negative", p.Name)
	}
	if p.LatencyWeight < 0 {
		return fmt.Errorf("flavour %s: latency weight must not be negative", p.Name)
	}
	return nil
}

// PrecisionKey generates a standard flavour name from a precision value,
// e.g. "precision-30" for 0.3.
func PrecisionKey(precision float64) string {
	clamped := math.Max(0, math.Min(precision, 1))
	return fmt.Sprintf("precision-%d", int(math.Round(clamped*100)))
}
