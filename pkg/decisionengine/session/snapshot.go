package session

import (
	"math"
	"sort"
	"time"

	"github.com/carbonshift/decision-engine/pkg/decisionengine/carbon"
	"github.com/carbonshift/decision-engine/pkg/decisionengine/flavour"
)

// Snapshot is the published schedule contract. It is immutable once
// published; the evaluator and the manual-override path replace it whole.
type Snapshot struct {
	// FlavourWeights maps each enabled flavour to an integer percent; the
	// values sum to 100.
	FlavourWeights map[string]int `json:"flavourWeights"`
	Flavours       []FlavourView  `json:"flavours"`
	Policy         PolicyView     `json:"policy"`
	Credits        CreditsView    `json:"credits"`
	Processing     ProcessingView `json:"processing"`
	Forecast       *ForecastView  `json:"forecast,omitempty"`
	Diagnostics    map[string]float64 `json:"diagnostics"`
	ValidUntil     time.Time          `json:"validUntil"`
	Manual         bool               `json:"manual"`
}

// FlavourView is one flavour row of the published schedule. Precision and
// weight are expressed as percentages.
type FlavourView struct {
	Name      string  `json:"name"`
	Precision float64 `json:"precision"`
	Weight    int     `json:"weight"`
	Deadline  int     `json:"deadline,omitempty"`
}

// PolicyView names the policy that produced the snapshot.
type PolicyView struct {
	Name string `json:"name"`
}

// CreditsView is the ledger reading published with the snapshot.
type CreditsView struct {
	Balance   float64 `json:"balance"`
	Velocity  float64 `json:"velocity"`
	Target    float64 `json:"target"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	Allowance float64 `json:"allowance"`
}

// ProcessingView carries the throttle and the replica ceilings.
type ProcessingView struct {
	Throttle       float64        `json:"throttle"`
	CreditsRatio   float64        `json:"creditsRatio"`
	IntensityRatio float64        `json:"intensityRatio"`
	Ceilings       map[string]int `json:"ceilings"`
}

// ForecastView is the forecast block of the schedule. The intensity keys keep
// the router's snake_case convention.
type ForecastView struct {
	IntensityNow  float64                `json:"intensity_now"`
	IntensityNext float64                `json:"intensity_next"`
	Schedule      []carbon.ForecastPoint `json:"schedule"`
}

// withValidUntil returns a copy of the snapshot with a new expiry and merged
// extra diagnostics, used when a failed or empty cycle republishes the
// previous schedule.
func (s *Snapshot) withValidUntil(validUntil time.Time, extra map[string]float64) *Snapshot {
	out := *s
	out.ValidUntil = validUntil
	if len(extra) > 0 {
		diags := make(map[string]float64, len(s.Diagnostics)+len(extra))
		for k, v := range s.Diagnostics {
			diags[k] = v
		}
		for k, v := range extra {
			diags[k] = v
		}
		out.Diagnostics = diags
	}
	return &out
}

// integerPercents converts fractional weights into integer percents summing
// to 100, placing the rounding residual on the highest-precision enabled
// flavour. flavours must be sorted by descending precision.
func integerPercents(weights map[string]float64, flavours []flavour.Profile) map[string]int {
	percents := make(map[string]int, len(weights))
	sum := 0
	for _, f := range flavours {
		p := int(math.Round(weights[f.Name] * 100))
		percents[f.Name] = p
		sum += p
	}
	if len(flavours) > 0 && sum != 100 {
		percents[flavours[0].Name] += 100 - sum
	}
	return percents
}

// flavourViews builds the per-flavour rows from the rounded percents.
func flavourViews(percents map[string]int, flavours []flavour.Profile) []FlavourView {
	views := make([]FlavourView, 0, len(flavours))
	for _, f := range flavours {
		views = append(views, FlavourView{
			Name:      f.Name,
			Precision: math.Round(f.Precision * 100),
			Weight:    percents[f.Name],
			Deadline:  f.Deadline,
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Precision > views[j].Precision })
	return views
}
