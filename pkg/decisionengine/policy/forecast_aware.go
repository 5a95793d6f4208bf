package policy

const (
	// trendCap bounds the short-term allowance adjustment.
	trendCap = 0.3
	// trendScale converts the relative intensity delta into an adjustment.
	trendScale = 0.5
)

// forecastAware extends credit-greedy with a short-term trend adjustment: a
// cleaner next slot spends more credit now, a dirtier one conserves it.
type forecastAware struct{}

func (forecastAware) Name() string { return NameForecastAware }

func (forecastAware) Evaluate(in Inputs) (Result, error) {
	if !usableForecast(in.Forecast) {
		return Result{}, ErrNeedsForecast
	}

	now := in.Forecast.IntensityNow
	trend := in.Forecast.IntensityNext - now
	adj := -clamp(trend/maxFloat(now, epsilon)*trendScale, -trendCap, trendCap)

	base, err := greedyAllocation(in, adj)
	if err != nil {
		return Result{}, err
	}
	base.diagnostics["trend_adjustment"] = adj
	return base.result(NameForecastAware), nil
}
