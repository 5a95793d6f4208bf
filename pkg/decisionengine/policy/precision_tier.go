package policy

// precisionTier is the carbon-insensitive baseline: all traffic goes to the
// highest-precision enabled flavour. It is also the terminal fallback.
type precisionTier struct{}

func (precisionTier) Name() string { return NamePrecisionTier }

func (precisionTier) Evaluate(in Inputs) (Result, error) {
	enabled := in.enabled()
	if len(enabled) == 0 {
		return Result{}, ErrNoFlavours
	}

	// Flavours arrive sorted by descending precision.
	baseline := enabled[0]
	weights := make(map[string]float64, len(enabled))
	for _, f := range enabled {
		weights[f.Name] = 0
	}
	weights[baseline.Name] = 1

	return Result{
		Policy:            NamePrecisionTier,
		Weights:           weights,
		ExpectedPrecision: baseline.Precision,
		Diagnostics:       map[string]float64{"baseline_weight": 1},
	}, nil
}
