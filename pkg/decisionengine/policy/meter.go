package policy

import "sync"

// Meter accumulates the session's emitted grams and accounted request count.
// forecast-aware-global compares the per-request average against the current
// grid intensity.
type Meter struct {
	mutex sync.Mutex
	grams float64
	count int64
}

// NewMeter creates an empty meter.
func NewMeter() *Meter {
	return &Meter{}
}

// Add accounts grams of CO2e across count requests.
func (m *Meter) Add(grams float64, count int64) {
	if grams < 0 || count < 0 {
		return
	}
	m.mutex.Lock()
	m.grams += grams
	m.count += count
	m.mutex.Unlock()
}

// Seed replaces the accumulated totals (warm starts and tests).
func (m *Meter) Seed(grams float64, count int64) {
	m.mutex.Lock()
	m.grams = grams
	m.count = count
	m.mutex.Unlock()
}

// Average returns grams per accounted request, zero-safe.
func (m *Meter) Average() float64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.count < 1 {
		return m.grams
	}
	return m.grams / float64(m.count)
}

// Totals returns the raw accumulators.
func (m *Meter) Totals() (grams float64, count int64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.grams, m.count
}
