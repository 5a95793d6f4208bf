package policy

import (
	"math"

	"github.com/carbonshift/decision-engine/pkg/decisionengine/carbon"
)

const (
	// carbonDeadBand is the relative delta below which the short-term
	// adjustment stays zero.
	carbonDeadBand = 0.05
	// carbonSlope converts the relative delta into an adjustment magnitude.
	carbonSlope = 2.0
	// carbonAdjCap bounds the short-term adjustment.
	carbonAdjCap = 0.8

	// lookaheadPoints is how many extended-forecast points are summarised.
	lookaheadPoints = 6

	// Fusion weights of the four adjustment signals.
	fuseCarbon    = 0.35
	fuseDemand    = 0.25
	fuseEmissions = 0.25
	fuseLookahead = 0.15

	// totalAdjCap bounds the fused adjustment.
	totalAdjCap = 0.5
)

// forecastAwareGlobal fuses the short-term intensity trend with demand,
// cumulative-emissions and long-horizon lookahead signals, then shifts the
// credit-greedy distribution toward or away from the baseline.
type forecastAwareGlobal struct{}

func (forecastAwareGlobal) Name() string { return NameForecastAwareGlobal }

func (forecastAwareGlobal) Evaluate(in Inputs) (Result, error) {
	if !usableForecast(in.Forecast) {
		return Result{}, ErrNeedsForecast
	}

	base, err := greedyAllocation(in, 0)
	if err != nil {
		return Result{}, err
	}

	snap := in.Forecast
	carbonAdj := carbonAdjustment(snap.IntensityNow, snap.IntensityNext)
	demandAdj := demandAdjustment(snap)
	emissionsAdj, avgEmissions := emissionsAdjustment(in.Emissions, snap.IntensityNow)
	lookaheadAdj := lookaheadAdjustment(snap)

	total := clamp(
		fuseCarbon*carbonAdj+
			fuseDemand*demandAdj+
			fuseEmissions*emissionsAdj+
			fuseLookahead*lookaheadAdj,
		-totalAdjCap, totalAdjCap)

	base.shiftMass(total)

	base.diagnostics["carbon_adj"] = carbonAdj
	base.diagnostics["demand_adj"] = demandAdj
	base.diagnostics["emissions_adj"] = emissionsAdj
	base.diagnostics["lookahead_adj"] = lookaheadAdj
	base.diagnostics["total_adjustment"] = total
	base.diagnostics["avg_emissions"] = avgEmissions

	return base.result(NameForecastAwareGlobal), nil
}

// carbonAdjustment maps the relative next-slot delta into [-carbonAdjCap,
// +carbonAdjCap]: negative when the next slot is dirtier, positive when
// cleaner, zero inside the dead band.
func carbonAdjustment(now, next float64) float64 {
	if now <= epsilon {
		return 0
	}
	rel := (next - now) / now
	switch {
	case rel > carbonDeadBand:
		return -math.Min(carbonAdjCap, rel*carbonSlope)
	case rel < -carbonDeadBand:
		return math.Min(carbonAdjCap, -rel*carbonSlope)
	default:
		return 0
	}
}

// demandAdjustment conserves ahead of a demand surge and spends into a lull.
func demandAdjustment(snap *carbon.ForecastSnapshot) float64 {
	if !snap.HasDemand || snap.DemandNow <= epsilon {
		return 0
	}
	ratio := snap.DemandNext / snap.DemandNow
	switch {
	case ratio >= 1.5:
		return -0.6
	case ratio <= 0.7:
		return 0.4
	default:
		return 0
	}
}

// emissionsAdjustment compares the session's per-request average against the
// current grid intensity.
func emissionsAdjustment(meter *Meter, intensityNow float64) (adj, avg float64) {
	if meter == nil {
		return 0, 0
	}
	avg = meter.Average()
	if _, count := meter.Totals(); count < 1 && avg == 0 {
		return 0, avg
	}
	switch {
	case avg > 1.2*intensityNow:
		return 0.5, avg
	case avg < 0.8*intensityNow:
		return -0.5, avg
	default:
		return 0, avg
	}
}

// lookaheadAdjustment summarises the next extended-forecast points: positive
// when a much cleaner slot is ahead, negative ahead of a spike.
func lookaheadAdjustment(snap *carbon.ForecastSnapshot) float64 {
	if len(snap.Extended) == 0 {
		return 0
	}
	points := snap.Extended
	if len(points) > lookaheadPoints {
		points = points[:lookaheadPoints]
	}
	minFuture := points[0].Intensity
	maxFuture := points[0].Intensity
	for _, p := range points[1:] {
		minFuture = math.Min(minFuture, p.Intensity)
		maxFuture = math.Max(maxFuture, p.Intensity)
	}
	switch {
	case minFuture < 0.6*snap.IntensityNow:
		return 0.5
	case maxFuture > 1.4*snap.IntensityNow:
		return -0.5
	default:
		return 0
	}
}
