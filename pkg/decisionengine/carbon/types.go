package carbon

import (
	"errors"
	"time"
)

// ErrUnavailable is returned when no forecast can be produced: the upstream
// source is unreachable, timed out, or returned nothing usable and the cache
// has expired. The session treats it by downgrading the policy evaluation.
var ErrUnavailable = errors.New("carbon forecast unavailable")

// ForecastPoint is the carbon intensity forecast for one provider slot
// (approximately 30 minutes).
type ForecastPoint struct {
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
	Forecast float64   `json:"forecast"`
	Index    string    `json:"index,omitempty"`
}

// ExtendedPoint is a long-horizon forecast sample, up to 48h ahead.
type ExtendedPoint struct {
	HorizonHours float64
	Intensity    float64
}

// ForecastSnapshot is one immutable observation produced per evaluation.
// It fuses grid carbon intensity with the session's demand estimate.
type ForecastSnapshot struct {
	// IntensityNow is the forecast for the slot containing the sampling
	// instant, IntensityNext for the following slot (gCO2/kWh).
	IntensityNow  float64
	IntensityNext float64
	HasNow        bool
	HasNext       bool

	// Degraded is set when IntensityNext had to be copied from IntensityNow
	// because the provider exposed only the current slot.
	Degraded bool

	IndexNow  string
	IndexNext string

	// Schedule is the ordered slot sequence covering at least the next half
	// hour; may be empty.
	Schedule []ForecastPoint

	// Extended summarises the schedule as (hours-ahead, intensity) pairs up
	// to 48h out.
	Extended []ExtendedPoint

	// DemandNow/DemandNext are optional request-rate estimates filled in by
	// the session from its demand estimator.
	DemandNow  float64
	DemandNext float64
	HasDemand  bool

	// Timestamp is the sampling time.
	Timestamp time.Time
}
