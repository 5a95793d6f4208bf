// Package session hosts the per-workload scheduler: one background evaluator
// per (namespace, name) key publishing schedule snapshots atomically.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	"github.com/carbonshift/decision-engine/pkg/decisionengine/carbon"
	"github.com/carbonshift/decision-engine/pkg/decisionengine/clock"
	"github.com/carbonshift/decision-engine/pkg/decisionengine/config"
	"github.com/carbonshift/decision-engine/pkg/decisionengine/demand"
	"github.com/carbonshift/decision-engine/pkg/decisionengine/flavour"
	"github.com/carbonshift/decision-engine/pkg/decisionengine/history"
	"github.com/carbonshift/decision-engine/pkg/decisionengine/ledger"
	"github.com/carbonshift/decision-engine/pkg/decisionengine/metrics"
	"github.com/carbonshift/decision-engine/pkg/decisionengine/policy"
)

const (
	// evalIntervalCap bounds the evaluator period regardless of validFor.
	evalIntervalCap = 15 * time.Second
	// evalSlack keeps a fresh snapshot published before the previous expires.
	evalSlack = 2 * time.Second
)

// Options carries the session dependencies the registry injects.
type Options struct {
	// Provider supplies forecast samples. Required.
	Provider carbon.Provider
	// Clock defaults to the wall clock.
	Clock clock.Clock
	// History optionally records observed intensity samples.
	History *history.Store
}

// Session owns all stateful components of one scheduled workload.
type Session struct {
	namespace string
	name      string

	provider carbon.Provider
	clock    clock.Clock
	history  *history.Store

	flavours  *flavour.Registry
	ledger    *ledger.Ledger
	demand    *demand.Estimator
	reference *policy.IntensityReference
	emissions *policy.Meter
	throttle  *throttle

	// configMutex serialises Configure/Override/feedback against the
	// evaluator; the published snapshot itself is lock-free for readers.
	configMutex sync.Mutex
	cfg         config.SessionConfig

	snapshot atomic.Pointer[Snapshot]

	consecutiveFailures int

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a session from the given configuration and starts its
// evaluation loop.
func New(namespace, name string, cfg config.SessionConfig, opts Options) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Provider == nil {
		return nil, fmt.Errorf("session %s/%s: forecast provider is required", namespace, name)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	window := time.Duration(cfg.CreditWindow) * time.Second
	s := &Session{
		namespace: namespace,
		name:      name,
		provider:  opts.Provider,
		clock:     clk,
		history:   opts.History,
		flavours:  flavour.NewRegistry(),
		demand:    demand.NewEstimator(window, clk),
		reference: policy.NewIntensityReference(window, clk),
		emissions: policy.NewMeter(),
		throttle:  newThrottle(cfg.ThrottleMin, cfg.IntensityFloor, cfg.IntensityCeiling),
		cfg:       cfg.Clone(),
		done:      make(chan struct{}),
	}
	s.ledger = ledger.New(ledgerOptions(cfg))

	if len(cfg.Flavours) > 0 {
		if err := s.flavours.Replace(cfg.Flavours); err != nil {
			return nil, err
		}
	}
	s.provider.Configure(carbon.Settings{
		Target:   cfg.CarbonTarget,
		Timeout:  cfg.CarbonTimeout,
		CacheTTL: cfg.CarbonCacheTTL,
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx)

	klog.V(2).InfoS("Started scheduler session",
		"namespace", namespace, "name", name, "policy", cfg.Policy)
	return s, nil
}

func ledgerOptions(cfg config.SessionConfig) ledger.Options {
	return ledger.Options{
		TargetError:   cfg.TargetError,
		CreditMin:     cfg.CreditMin,
		CreditMax:     cfg.CreditMax,
		WindowSeconds: cfg.CreditWindow,
		Sensitivity:   cfg.Sensitivity,
	}
}

// Configure merges a partial update into the session configuration. The merge
// is validated before any state changes, so a rejected update leaves the
// session untouched. Applying the same update twice is a no-op.
func (s *Session) Configure(update *config.SessionUpdate) error {
	s.configMutex.Lock()
	defer s.configMutex.Unlock()

	merged := s.cfg.Merge(update)
	if err := merged.Validate(); err != nil {
		return err
	}
	if len(merged.Flavours) > 0 && update != nil && update.Flavours != nil {
		if err := s.flavours.Replace(merged.Flavours); err != nil {
			return err
		}
	}

	s.cfg = merged
	s.ledger.Reconfigure(ledgerOptions(merged))
	window := time.Duration(merged.CreditWindow) * time.Second
	s.demand.SetIdleWindow(window)
	s.reference.SetWindow(window)
	s.throttle.reconfigure(merged.ThrottleMin, merged.IntensityFloor, merged.IntensityCeiling)
	s.provider.Configure(carbon.Settings{
		Target:   merged.CarbonTarget,
		Timeout:  merged.CarbonTimeout,
		CacheTTL: merged.CarbonCacheTTL,
	})

	klog.V(2).InfoS("Updated session configuration",
		"namespace", s.namespace, "name", s.name,
		"policy", merged.Policy, "flavours", s.flavours.Len())
	return nil
}

// Config returns a copy of the current session configuration.
func (s *Session) Config() config.SessionConfig {
	s.configMutex.Lock()
	defer s.configMutex.Unlock()
	return s.cfg.Clone()
}

// Latest returns the most recent snapshot, or nil while the session is
// pending its first successful evaluation.
func (s *Session) Latest() *Snapshot {
	return s.snapshot.Load()
}

// OverrideRequest is the payload of a manual schedule override.
type OverrideRequest struct {
	// FlavourWeights maps flavour names to integer percents summing to 100.
	FlavourWeights map[string]int `json:"flavourWeights"`
	// ValidUntil defaults to now + validFor when zero.
	ValidUntil time.Time `json:"validUntil"`
}

// Override validates and installs a manual snapshot. While it is unexpired
// the evaluator skips its cycles; automatic scheduling resumes on the first
// tick after expiry.
func (s *Session) Override(req OverrideRequest) error {
	s.configMutex.Lock()
	defer s.configMutex.Unlock()

	now := s.clock.Now()
	validUntil := req.ValidUntil
	if validUntil.IsZero() {
		validUntil = now.Add(s.cfg.ValidFor)
	}
	if !validUntil.After(now) {
		return fmt.Errorf("override validUntil %s is in the past", validUntil.Format(time.RFC3339))
	}

	enabled := s.flavours.Enabled()
	if len(enabled) == 0 {
		return fmt.Errorf("no enabled flavours to override")
	}
	byName := make(map[string]flavour.Profile, len(enabled))
	for _, f := range enabled {
		byName[f.Name] = f
	}

	if len(req.FlavourWeights) == 0 {
		return fmt.Errorf("override must specify flavourWeights")
	}
	sum := 0
	for name, percent := range req.FlavourWeights {
		if _, ok := byName[name]; !ok {
			return fmt.Errorf("override references unknown flavour %q", name)
		}
		if percent < 0 {
			return fmt.Errorf("override weight for %q must not be negative", name)
		}
		sum += percent
	}
	if sum != 100 {
		return fmt.Errorf("override weights must sum to 100, got %d", sum)
	}

	percents := make(map[string]int, len(enabled))
	expected := 0.0
	for _, f := range enabled {
		percents[f.Name] = req.FlavourWeights[f.Name]
		expected += float64(percents[f.Name]) / 100 * f.Precision
	}

	ledgerState := s.ledger.State()
	prev := s.snapshot.Load()
	processing := ProcessingView{Throttle: 1, CreditsRatio: 1, IntensityRatio: 1}
	var forecast *ForecastView
	if prev != nil {
		processing = prev.Processing
		forecast = prev.Forecast
	}

	snap := &Snapshot{
		FlavourWeights: percents,
		Flavours:       flavourViews(percents, enabled),
		Policy:         PolicyView{Name: "manual"},
		Credits:        creditsView(ledgerState),
		Processing:     processing,
		Forecast:       forecast,
		Diagnostics:    map[string]float64{"expected_precision": expected},
		ValidUntil:     validUntil,
		Manual:         true,
	}
	s.snapshot.Store(snap)
	s.publishMetrics(snap, expected)

	klog.InfoS("Installed manual override",
		"namespace", s.namespace, "name", s.name,
		"validUntil", validUntil.Format(time.RFC3339))
	return nil
}

// Feedback is one realised-traffic report from the router.
type Feedback struct {
	WindowSeconds float64        `json:"windowSeconds"`
	TotalRequests int            `json:"totalRequests"`
	FlavourCounts map[string]int `json:"flavourCounts"`
}

// ProcessFeedback folds realised traffic into the ledger, the demand
// estimator and the emissions meter, and returns the resulting ledger state.
func (s *Session) ProcessFeedback(fb Feedback) (ledger.State, error) {
	if fb.WindowSeconds <= 0 {
		return ledger.State{}, fmt.Errorf("windowSeconds must be positive")
	}
	if fb.TotalRequests < 0 {
		return ledger.State{}, fmt.Errorf("totalRequests must not be negative")
	}

	s.configMutex.Lock()
	defer s.configMutex.Unlock()

	s.demand.Observe(fb.TotalRequests, time.Duration(fb.WindowSeconds*float64(time.Second)))

	profiles := s.flavours.Snapshot()
	byName := make(map[string]flavour.Profile, len(profiles))
	for _, f := range profiles {
		byName[f.Name] = f
	}

	// Aggregate into a single weighted update so the clamped result does not
	// depend on per-flavour ordering.
	grams := 0.0
	weightedPrecision := 0.0
	counted := int64(0)
	for name, count := range fb.FlavourCounts {
		f, ok := byName[name]
		if !ok || count <= 0 {
			continue
		}
		weightedPrecision += f.Precision * float64(count)
		grams += f.CarbonIntensity * float64(count)
		counted += int64(count)
	}
	if counted > 0 {
		s.ledger.Update(weightedPrecision/float64(counted), float64(counted))
		s.emissions.Add(grams, counted)
	}

	return s.ledger.State(), nil
}

// Close stops the evaluation loop and the provider. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		s.provider.Close()
		klog.V(2).InfoS("Closed scheduler session",
			"namespace", s.namespace, "name", s.name)
	})
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	for {
		interval := s.evalInterval()
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(interval):
		}

		if s.manualActive() {
			klog.V(4).InfoS("Manual override active, skipping evaluation",
				"namespace", s.namespace, "name", s.name)
			continue
		}

		if err := s.evaluate(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.absorbFailure(err)
		} else {
			s.consecutiveFailures = 0
		}
	}
}

func (s *Session) evalInterval() time.Duration {
	s.configMutex.Lock()
	validFor := s.cfg.ValidFor
	s.configMutex.Unlock()

	interval := validFor - evalSlack
	if interval > evalIntervalCap {
		interval = evalIntervalCap
	}
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

func (s *Session) manualActive() bool {
	snap := s.snapshot.Load()
	return snap != nil && snap.Manual && snap.ValidUntil.After(s.clock.Now())
}

// publish installs an automatic snapshot unless a manual override became
// active while the cycle was in flight. Override stores its snapshot under
// configMutex, so checking here closes the window.
func (s *Session) publish(snap *Snapshot) bool {
	s.configMutex.Lock()
	defer s.configMutex.Unlock()
	if s.manualActive() {
		return false
	}
	s.snapshot.Store(snap)
	return true
}

// evaluate runs one full cycle: sample, decide, account, throttle, publish.
func (s *Session) evaluate(ctx context.Context) error {
	s.configMutex.Lock()
	cfg := s.cfg.Clone()
	s.configMutex.Unlock()

	now := s.clock.Now()

	forecast, err := s.provider.Sample(ctx)
	degraded := false
	if err != nil {
		klog.V(2).InfoS("Forecast unavailable",
			"namespace", s.namespace, "name", s.name, "error", err)
		forecast = nil
		degraded = true
	} else {
		if forecast.Degraded {
			degraded = true
		}
		if s.history != nil && forecast.HasNow {
			if herr := s.history.Record(cfg.CarbonTarget, forecast.IntensityNow, now); herr != nil {
				klog.ErrorS(herr, "Failed to record intensity sample")
			}
		}
		est := s.demand.Estimate()
		if est.Valid {
			forecast.DemandNow = est.Now
			forecast.DemandNext = est.Next
			forecast.HasDemand = true
		}
	}

	profiles := s.flavours.Enabled()
	if len(profiles) == 0 {
		prev := s.snapshot.Load()
		if prev != nil {
			extended := prev.withValidUntil(now.Add(cfg.ValidFor), map[string]float64{"no_flavours": 1})
			if s.publish(extended) {
				metrics.ValidUntil.WithLabelValues(s.namespace, s.name).
					Set(float64(extended.ValidUntil.Unix()))
			}
		}
		klog.V(2).InfoS("No enabled flavours, keeping previous schedule",
			"namespace", s.namespace, "name", s.name)
		return nil
	}

	result, err := policy.Evaluate(cfg.Policy, policy.Inputs{
		Flavours:  profiles,
		Forecast:  forecast,
		Ledger:    s.ledger.State(),
		Reference: s.reference,
		Emissions: s.emissions,
	})
	if err != nil {
		return fmt.Errorf("policy evaluation failed: %v", err)
	}

	s.ledger.Update(result.ExpectedPrecision, 1)
	ledgerState := s.ledger.State()

	s.accountEmissions(result, profiles, forecast)

	creditsRatio := 0.0
	if span := ledgerState.CreditMax - ledgerState.CreditMin; span > 0 {
		creditsRatio = (ledgerState.Balance - ledgerState.CreditMin) / span
	}
	intensity, hasIntensity := 0.0, false
	if forecast != nil && forecast.HasNow {
		intensity, hasIntensity = forecast.IntensityNow, true
	}
	throttleState := s.throttle.update(creditsRatio, intensity, hasIntensity)

	snap := s.buildSnapshot(cfg, result, ledgerState, throttleState, forecast, degraded, now)
	if !s.publish(snap) {
		klog.V(3).InfoS("Manual override installed mid-cycle, discarding result",
			"namespace", s.namespace, "name", s.name)
		return nil
	}
	s.publishMetrics(snap, result.ExpectedPrecision)
	s.publishForecastMetrics(cfg.Policy, forecast, now)
	metrics.PolicyChoice.WithLabelValues(s.namespace, s.name, cfg.Policy, result.Policy).Inc()

	klog.V(3).InfoS("Published schedule",
		"namespace", s.namespace, "name", s.name,
		"policy", result.Policy,
		"expectedPrecision", result.ExpectedPrecision,
		"throttle", throttleState.Throttle,
		"validUntil", snap.ValidUntil.Format(time.RFC3339))
	return nil
}

// accountEmissions charges the expected per-request grams of this cycle's
// distribution to the running meter.
func (s *Session) accountEmissions(result policy.Result, profiles []flavour.Profile, forecast *carbon.ForecastSnapshot) {
	intensityNow := 0.0
	if forecast != nil && forecast.HasNow {
		intensityNow = forecast.IntensityNow
	}
	grams := 0.0
	for _, f := range profiles {
		estimate := f.CarbonIntensity
		if estimate == 0 {
			estimate = intensityNow
		}
		grams += result.Weights[f.Name] * estimate
	}
	s.emissions.Add(grams, 1)
}

func (s *Session) buildSnapshot(cfg config.SessionConfig, result policy.Result,
	ledgerState ledger.State, throttleState ThrottleState,
	forecast *carbon.ForecastSnapshot, degraded bool, now time.Time) *Snapshot {

	profiles := s.flavours.Enabled()
	percents := integerPercents(result.Weights, profiles)

	diags := make(map[string]float64, len(result.Diagnostics)+4)
	for k, v := range result.Diagnostics {
		diags[k] = v
	}
	diags["expected_precision"] = result.ExpectedPrecision
	diags["throttle_raw"] = throttleState.Raw
	if degraded {
		diags["forecast_degraded"] = 1
	}
	if s.consecutiveFailures >= 2 {
		diags["evaluator_unhealthy"] = 1
	}

	var forecastView *ForecastView
	if forecast != nil && forecast.HasNow {
		forecastView = &ForecastView{
			IntensityNow:  forecast.IntensityNow,
			IntensityNext: forecast.IntensityNext,
			Schedule:      forecast.Schedule,
		}
	}

	return &Snapshot{
		FlavourWeights: percents,
		Flavours:       flavourViews(percents, profiles),
		Policy:         PolicyView{Name: result.Policy},
		Credits:        creditsView(ledgerState),
		Processing: ProcessingView{
			Throttle:       throttleState.Throttle,
			CreditsRatio:   throttleState.CreditsRatio,
			IntensityRatio: throttleState.IntensityRatio,
			Ceilings:       ceilings(cfg.Components, throttleState.Throttle),
		},
		Forecast:    forecastView,
		Diagnostics: diags,
		ValidUntil:  now.Add(cfg.ValidFor),
		Manual:      false,
	}
}

// absorbFailure keeps the previous snapshot alive across a failed cycle,
// extending its validity by one validFor.
func (s *Session) absorbFailure(err error) {
	s.consecutiveFailures++
	metrics.EvaluationFailed.WithLabelValues(s.namespace, s.name).Inc()
	klog.ErrorS(err, "Evaluation cycle failed",
		"namespace", s.namespace, "name", s.name,
		"consecutiveFailures", s.consecutiveFailures)

	prev := s.snapshot.Load()
	if prev == nil {
		return
	}
	s.configMutex.Lock()
	validFor := s.cfg.ValidFor
	s.configMutex.Unlock()

	extra := map[string]float64{}
	if s.consecutiveFailures >= 2 {
		extra["evaluator_unhealthy"] = 1
	}
	extended := prev.withValidUntil(s.clock.Now().Add(validFor), extra)
	if s.publish(extended) {
		metrics.ValidUntil.WithLabelValues(s.namespace, s.name).
			Set(float64(extended.ValidUntil.Unix()))
	}
}

func (s *Session) publishMetrics(snap *Snapshot, expectedPrecision float64) {
	policyName := snap.Policy.Name
	for name, percent := range snap.FlavourWeights {
		metrics.FlavourWeight.WithLabelValues(s.namespace, s.name, name).
			Set(float64(percent) / 100)
	}
	metrics.ValidUntil.WithLabelValues(s.namespace, s.name).
		Set(float64(snap.ValidUntil.Unix()))
	metrics.CreditBalance.WithLabelValues(s.namespace, s.name, policyName).
		Set(snap.Credits.Balance)
	metrics.CreditVelocity.WithLabelValues(s.namespace, s.name, policyName).
		Set(snap.Credits.Velocity)
	metrics.AvgPrecision.WithLabelValues(s.namespace, s.name, policyName).
		Set(expectedPrecision)
	metrics.ProcessingThrottle.WithLabelValues(s.namespace, s.name, policyName).
		Set(snap.Processing.Throttle)
	for component, ceiling := range snap.Processing.Ceilings {
		metrics.ReplicaCeiling.WithLabelValues(s.namespace, s.name, policyName, component).
			Set(float64(ceiling))
	}
}

func (s *Session) publishForecastMetrics(policyName string, forecast *carbon.ForecastSnapshot, now time.Time) {
	if forecast == nil || !forecast.HasNow {
		return
	}
	metrics.ForecastIntensity.WithLabelValues(s.namespace, s.name, policyName, "now").
		Set(forecast.IntensityNow)
	metrics.ForecastIntensity.WithLabelValues(s.namespace, s.name, policyName, "next").
		Set(forecast.IntensityNext)
	metrics.TimestampedForecast.Record(s.namespace, s.name, 0, forecast.IntensityNow, now)
	for _, point := range forecast.Extended {
		at := now.Add(time.Duration(point.HorizonHours * float64(time.Hour)))
		metrics.TimestampedForecast.Record(s.namespace, s.name, point.HorizonHours, point.Intensity, at)
	}
}

func creditsView(state ledger.State) CreditsView {
	return CreditsView{
		Balance:   state.Balance,
		Velocity:  state.Velocity,
		Target:    state.TargetError,
		Min:       state.CreditMin,
		Max:       state.CreditMax,
		Allowance: state.Allowance,
	}
}

// Ledger exposes the session ledger for warm starts and tests.
func (s *Session) Ledger() *ledger.Ledger { return s.ledger }

// Emissions exposes the session emissions meter for warm starts and tests.
func (s *Session) Emissions() *policy.Meter { return s.emissions }
