package mock

import (
	"context"
	"sync"

	"github.com/carbonshift/decision-engine/pkg/decisionengine/carbon"
)

// Provider is a configurable carbon.Provider for tests.
type Provider struct {
	mutex sync.Mutex

	Snapshot *carbon.ForecastSnapshot
	Err      error

	SampleCount  int
	LastSettings carbon.Settings
}

var _ carbon.Provider = (*Provider)(nil)

// New returns a mock provider serving the given snapshot.
func New(snap *carbon.ForecastSnapshot) *Provider {
	return &Provider{Snapshot: snap}
}

// Unavailable returns a mock provider that always fails.
func Unavailable() *Provider {
	return &Provider{Err: carbon.ErrUnavailable}
}

func (p *Provider) Sample(ctx context.Context) (*carbon.ForecastSnapshot, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.SampleCount++
	if p.Err != nil {
		return nil, p.Err
	}
	if p.Snapshot == nil {
		return nil, carbon.ErrUnavailable
	}
	// Hand out a copy so callers cannot mutate the canned snapshot.
	snap := *p.Snapshot
	return &snap, nil
}

func (p *Provider) Configure(settings carbon.Settings) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.LastSettings = settings
}

func (p *Provider) Close() {}

// SetSnapshot swaps the canned snapshot (and clears any forced error).
func (p *Provider) SetSnapshot(snap *carbon.ForecastSnapshot) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.Snapshot = snap
	p.Err = nil
}

// SetError forces Sample to fail.
func (p *Provider) SetError(err error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.Err = err
}
