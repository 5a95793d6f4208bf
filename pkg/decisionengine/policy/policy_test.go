package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbonshift/decision-engine/pkg/decisionengine/carbon"
	"github.com/carbonshift/decision-engine/pkg/decisionengine/clock"
	"github.com/carbonshift/decision-engine/pkg/decisionengine/flavour"
	"github.com/carbonshift/decision-engine/pkg/decisionengine/ledger"
)

func twoFlavours() []flavour.Profile {
	return []flavour.Profile{
		{Name: "A", Precision: 1.0, CarbonIntensity: 200, Enabled: true},
		{Name: "B", Precision: 0.7, CarbonIntensity: 80, Enabled: true},
	}
}

func ledgerState(balance float64) ledger.State {
	l := ledger.New(ledger.Options{CreditMin: -0.5, CreditMax: 0.5, WindowSeconds: 300})
	l.Seed(balance)
	return l.State()
}

func forecast(now, next float64) *carbon.ForecastSnapshot {
	return &carbon.ForecastSnapshot{
		IntensityNow:  now,
		IntensityNext: next,
		HasNow:        true,
		HasNext:       true,
		Timestamp:     time.Now(),
	}
}

func assertDistribution(t *testing.T, result Result, flavours []flavour.Profile) {
	t.Helper()
	sum := 0.0
	for _, f := range flavours {
		w, ok := result.Weights[f.Name]
		require.True(t, ok, "weight missing for enabled flavour %s", f.Name)
		assert.GreaterOrEqual(t, w, 0.0)
		assert.LessOrEqual(t, w, 1.0)
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-6, "weights must sum to 1")
	assert.Len(t, result.Weights, len(flavours), "weights cover exactly the enabled flavours")
}

func TestAllPoliciesProduceValidDistributions(t *testing.T) {
	flavours := twoFlavours()
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			result, err := Evaluate(name, Inputs{
				Flavours: flavours,
				Forecast: forecast(250, 230),
				Ledger:   ledgerState(0.25),
			})
			require.NoError(t, err)
			assertDistribution(t, result, flavours)
		})
	}
}

func TestPrecisionTierRoutesAllToBaseline(t *testing.T) {
	flavours := twoFlavours()
	result, err := Evaluate(NamePrecisionTier, Inputs{
		Flavours: flavours,
		Forecast: forecast(300, 300),
		Ledger:   ledgerState(0),
	})
	require.NoError(t, err)

	assert.Equal(t, 1.0, result.Weights["A"])
	assert.Equal(t, 0.0, result.Weights["B"])
	assert.Equal(t, 1.0, result.ExpectedPrecision)
	assert.Equal(t, NamePrecisionTier, result.Policy)
}

func TestCreditGreedyZeroAllowanceKeepsBaseline(t *testing.T) {
	result, err := Evaluate(NameCreditGreedy, Inputs{
		Flavours: twoFlavours(),
		Forecast: forecast(100, 100),
		Ledger:   ledgerState(-0.5), // allowance 0
	})
	require.NoError(t, err)

	assert.Equal(t, 1.0, result.Weights["A"])
	assert.Equal(t, 0.0, result.Weights["B"])
}

func TestCreditGreedySpendsOnCleanGrid(t *testing.T) {
	// Full credit tank: the entire allowance flows to the greener flavour.
	result, err := Evaluate(NameCreditGreedy, Inputs{
		Flavours: twoFlavours(),
		Forecast: forecast(100, 100),
		Ledger:   ledgerState(0.5),
	})
	require.NoError(t, err)

	assert.LessOrEqual(t, result.Weights["A"], 0.6)
	assert.Greater(t, result.Weights["B"], 0.0)
	assert.Less(t, result.ExpectedPrecision, 1.0)
	assert.InDelta(t, 1.0, result.Diagnostics["allowance"], 1e-9)
}

func TestCreditGreedyRevertsWhenNothingGreener(t *testing.T) {
	flavours := []flavour.Profile{
		{Name: "A", Precision: 1.0, CarbonIntensity: 80, Enabled: true},
		{Name: "B", Precision: 0.7, CarbonIntensity: 80, Enabled: true},
	}
	result, err := Evaluate(NameCreditGreedy, Inputs{
		Flavours: flavours,
		Forecast: forecast(100, 100),
		Ledger:   ledgerState(0.5),
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, result.Weights["A"], "equal intensities leave no score to spend on")
}

func TestForecastAwareConservesBeforeDirtierSlot(t *testing.T) {
	base := Inputs{
		Flavours: twoFlavours(),
		Ledger:   ledgerState(0.25),
	}

	base.Forecast = forecast(200, 200)
	flat, err := Evaluate(NameForecastAware, base)
	require.NoError(t, err)

	base.Forecast = forecast(200, 260)
	rising, err := Evaluate(NameForecastAware, base)
	require.NoError(t, err)

	assert.Greater(t, rising.Weights["A"], flat.Weights["A"],
		"a dirtier next slot must shift weight back to the baseline")
	assert.Less(t, rising.Diagnostics["trend_adjustment"], 0.0)
}

func TestForecastAwareTrendAdjustmentCapped(t *testing.T) {
	result, err := Evaluate(NameForecastAware, Inputs{
		Flavours: twoFlavours(),
		Forecast: forecast(100, 1000),
		Ledger:   ledgerState(0.25),
	})
	require.NoError(t, err)
	assert.InDelta(t, -0.3, result.Diagnostics["trend_adjustment"], 1e-9)
}

func TestGlobalCarbonAdjustmentMovesMass(t *testing.T) {
	inputs := func(next float64) Inputs {
		return Inputs{
			Flavours: twoFlavours(),
			Forecast: forecast(200, next),
			Ledger:   ledgerState(0), // allowance 0.5
		}
	}

	flat, err := Evaluate(NameForecastAwareGlobal, inputs(200))
	require.NoError(t, err)
	dirtier, err := Evaluate(NameForecastAwareGlobal, inputs(220)) // 1.10x
	require.NoError(t, err)
	cleaner, err := Evaluate(NameForecastAwareGlobal, inputs(180)) // 0.90x
	require.NoError(t, err)

	assert.Less(t, 1-dirtier.Weights["A"], 1-flat.Weights["A"],
		"dirtier next slot strictly shrinks the non-baseline mass")
	assert.Greater(t, 1-cleaner.Weights["A"], 1-flat.Weights["A"],
		"cleaner next slot strictly grows the non-baseline mass")

	assert.Less(t, dirtier.Diagnostics["carbon_adj"], 0.0)
	assert.Greater(t, cleaner.Diagnostics["carbon_adj"], 0.0)
	assert.Zero(t, flat.Diagnostics["carbon_adj"], "5%% dead band")
}

func TestGlobalFusionScenario(t *testing.T) {
	flavours := []flavour.Profile{
		{Name: "A", Precision: 1.0, CarbonIntensity: 200, Enabled: true},
		{Name: "B", Precision: 0.5, CarbonIntensity: 90, Enabled: true},
		{Name: "C", Precision: 0.3, CarbonIntensity: 40, Enabled: true},
	}

	intensityNow := 100.0
	snap := forecast(intensityNow, 0.9*intensityNow)
	snap.DemandNow = 10
	snap.DemandNext = 16
	snap.HasDemand = true
	snap.Extended = []carbon.ExtendedPoint{
		{HorizonHours: 0.5, Intensity: 95},
		{HorizonHours: 1.0, Intensity: 50},
		{HorizonHours: 1.5, Intensity: 110},
	}

	meter := NewMeter()
	meter.Seed(1.3*intensityNow*10, 10)

	result, err := Evaluate(NameForecastAwareGlobal, Inputs{
		Flavours:  flavours,
		Forecast:  snap,
		Ledger:    ledgerState(0.25),
		Emissions: meter,
	})
	require.NoError(t, err)
	assertDistribution(t, result, flavours)

	assert.Greater(t, result.Diagnostics["carbon_adj"], 0.0)
	assert.Equal(t, -0.6, result.Diagnostics["demand_adj"])
	assert.Equal(t, 0.5, result.Diagnostics["emissions_adj"])
	assert.Equal(t, 0.5, result.Diagnostics["lookahead_adj"], "a much cleaner slot sits inside the lookahead")
	assert.GreaterOrEqual(t, result.Diagnostics["total_adjustment"], -0.5)
	assert.LessOrEqual(t, result.Diagnostics["total_adjustment"], 0.5)
}

func TestFallbackWithoutForecast(t *testing.T) {
	for _, name := range []string{NameForecastAware, NameForecastAwareGlobal} {
		t.Run(name, func(t *testing.T) {
			result, err := Evaluate(name, Inputs{
				Flavours: twoFlavours(),
				Forecast: nil,
				Ledger:   ledgerState(0.25),
			})
			require.NoError(t, err)
			assert.Equal(t, NameCreditGreedy, result.Policy)
			assert.Equal(t, 1.0, result.Diagnostics["policy_fallback"])
		})
	}
}

func TestEvaluateRejectsUnknownPolicy(t *testing.T) {
	_, err := Evaluate("round-robin", Inputs{
		Flavours: twoFlavours(),
		Ledger:   ledgerState(0),
	})
	assert.Error(t, err)
}

func TestEvaluateRejectsEmptyFlavourSet(t *testing.T) {
	_, err := Evaluate(NamePrecisionTier, Inputs{Ledger: ledgerState(0)})
	assert.ErrorIs(t, err, ErrNoFlavours)
}

func TestDisabledFlavoursExcluded(t *testing.T) {
	flavours := []flavour.Profile{
		{Name: "A", Precision: 1.0, CarbonIntensity: 200, Enabled: true},
		{Name: "B", Precision: 0.7, CarbonIntensity: 80, Enabled: false},
	}
	result, err := Evaluate(NameCreditGreedy, Inputs{
		Flavours: flavours,
		Forecast: forecast(100, 100),
		Ledger:   ledgerState(0.5),
	})
	require.NoError(t, err)
	_, hasB := result.Weights["B"]
	assert.False(t, hasB, "disabled flavours receive no weight entry")
	assert.Equal(t, 1.0, result.Weights["A"])
}

func TestIntensityMultiplierScalesAllowance(t *testing.T) {
	clk := clock.NewMockClock(time.Now())
	ref := NewIntensityReference(5*time.Minute, clk)
	for i := 0; i < 5; i++ {
		ref.Observe(100)
	}

	// Current intensity double the recent median doubles the spend rate,
	// clamped into [0.5, 2.0].
	result, err := Evaluate(NameCreditGreedy, Inputs{
		Flavours:  twoFlavours(),
		Forecast:  forecast(200, 200),
		Ledger:    ledgerState(-0.2), // allowance 0.3
		Reference: ref,
	})
	require.NoError(t, err)
	assert.InDelta(t, 2.0, result.Diagnostics["intensity_multiplier"], 0.1)
	assert.InDelta(t, 0.4, result.Weights["A"], 0.05, "baseline keeps 1 - 0.3*2")
}

func TestIntensityReferenceMedian(t *testing.T) {
	clk := clock.NewMockClock(time.Now())
	ref := NewIntensityReference(time.Minute, clk)

	_, ok := ref.Reference()
	assert.False(t, ok, "no reference before the first observation")

	ref.Observe(100)
	median, ok := ref.Reference()
	require.True(t, ok)
	assert.Equal(t, 100.0, median, "bootstrapped to the first observation")

	ref.Observe(200)
	ref.Observe(300)
	median, _ = ref.Reference()
	assert.Equal(t, 200.0, median)

	clk.Advance(2 * time.Minute)
	_, ok = ref.Reference()
	assert.False(t, ok, "samples expire with the window")
}

func TestMeterAverage(t *testing.T) {
	m := NewMeter()
	assert.Zero(t, m.Average())

	m.Add(500, 10)
	assert.InDelta(t, 50.0, m.Average(), 1e-9)

	m.Seed(130, 1)
	grams, count := m.Totals()
	assert.Equal(t, 130.0, grams)
	assert.Equal(t, int64(1), count)
}
