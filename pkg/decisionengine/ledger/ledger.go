// Package ledger tracks the quality credit balance of a scheduler session.
//
// The ledger accumulates the difference between the target error and the
// realised error of accounted work. A positive balance is quality surplus the
// policies may spend on greener, lower-precision flavours; a negative balance
// is quality debt that forces traffic back to the baseline.
package ledger

import (
	"math"
	"sync"
)

// Ledger is a bounded, time-windowed signed accumulator of quality surplus.
type Ledger struct {
	mutex sync.Mutex

	targetError   float64
	creditMin     float64
	creditMax     float64
	windowSeconds int
	sensitivity   float64

	balance  float64
	velocity float64
	updates  int
}

// Options configures a ledger. Zero-valued fields fall back to the defaults
// (target 0.05, bounds ±0.5, window 300s, linear sensitivity).
type Options struct {
	TargetError   float64
	CreditMin     float64
	CreditMax     float64
	WindowSeconds int
	// Sensitivity dampens the allowance mapping: the balance ratio is raised
	// to this power, so values below 1 make the ledger behave like a larger
	// tank. Must be in (0, 1].
	Sensitivity float64
}

func (o Options) withDefaults() Options {
	if o.TargetError == 0 {
		o.TargetError = 0.05
	}
	if o.CreditMin == 0 && o.CreditMax == 0 {
		o.CreditMin, o.CreditMax = -0.5, 0.5
	}
	if o.WindowSeconds <= 0 {
		o.WindowSeconds = 300
	}
	if o.Sensitivity <= 0 || o.Sensitivity > 1 {
		o.Sensitivity = 1
	}
	return o
}

// New creates a ledger with zero balance.
func New(opts Options) *Ledger {
	opts = opts.withDefaults()
	return &Ledger{
		targetError:   opts.TargetError,
		creditMin:     opts.CreditMin,
		creditMax:     opts.CreditMax,
		windowSeconds: opts.WindowSeconds,
		sensitivity:   opts.Sensitivity,
	}
}

// Record accounts one completed request at the given realised precision.
func (l *Ledger) Record(precisionRealised float64) float64 {
	return l.Update(precisionRealised, 1)
}

// Update accounts an expected precision with the given weight, typically one
// evaluation cycle at weight 1. It returns the new balance.
func (l *Ledger) Update(expectedPrecision, weight float64) float64 {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	realisedError := math.Max(0, 1-expectedPrecision)
	delta := (l.targetError - realisedError) * weight

	prev := l.balance
	l.balance = clamp(l.balance+delta, l.creditMin, l.creditMax)

	l.updates++
	if l.updates >= 2 {
		// Exponentially smoothed first difference of the balance.
		alpha := 2.0 / (float64(l.windowSeconds) + 1)
		l.velocity = (1-alpha)*l.velocity + alpha*(l.balance-prev)
	}
	return l.balance
}

// Balance returns the current clamped balance.
func (l *Ledger) Balance() float64 {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.balance
}

// Velocity returns the smoothed balance trend. It is 0 until the second update.
func (l *Ledger) Velocity() float64 {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.velocity
}

// Allowance maps the balance linearly across [min, max] into [0, 1], dampened
// by the sensitivity exponent. Policies consume this rather than the raw
// balance.
func (l *Ledger) Allowance() float64 {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.allowanceLocked()
}

func (l *Ledger) allowanceLocked() float64 {
	span := l.creditMax - l.creditMin
	if span <= 0 {
		return 1
	}
	ratio := clamp((l.balance-l.creditMin)/span, 0, 1)
	if l.sensitivity != 1 {
		ratio = math.Pow(ratio, l.sensitivity)
	}
	return ratio
}

// State is a consistent read of the ledger for snapshot assembly.
type State struct {
	Balance     float64
	Velocity    float64
	TargetError float64
	CreditMin   float64
	CreditMax   float64
	Allowance   float64
}

// State returns all readings under one lock acquisition so snapshot readers
// observe ledger fields consistent with a single point in time.
func (l *Ledger) State() State {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return State{
		Balance:     l.balance,
		Velocity:    l.velocity,
		TargetError: l.targetError,
		CreditMin:   l.creditMin,
		CreditMax:   l.creditMax,
		Allowance:   l.allowanceLocked(),
	}
}

// Reconfigure adjusts the ledger parameters in place, preserving the balance
// (re-clamped to the new bounds) so config pushes stay idempotent.
func (l *Ledger) Reconfigure(opts Options) {
	opts = opts.withDefaults()
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.targetError = opts.TargetError
	l.creditMin = opts.CreditMin
	l.creditMax = opts.CreditMax
	l.windowSeconds = opts.WindowSeconds
	l.sensitivity = opts.Sensitivity
	l.balance = clamp(l.balance, l.creditMin, l.creditMax)
}

// Seed sets the balance directly (tests and warm starts).
func (l *Ledger) Seed(balance float64) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.balance = clamp(balance, l.creditMin, l.creditMax)
}

func clamp(v, low, high float64) float64 {
	return math.Max(low, math.Min(v, high))
}
