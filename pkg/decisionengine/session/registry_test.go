package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbonshift/decision-engine/pkg/decisionengine/carbon"
	"github.com/carbonshift/decision-engine/pkg/decisionengine/carbon/mock"
	"github.com/carbonshift/decision-engine/pkg/decisionengine/clock"
	"github.com/carbonshift/decision-engine/pkg/decisionengine/config"
	"github.com/carbonshift/decision-engine/pkg/decisionengine/policy"
)

func newTestRegistry(t *testing.T, intensity float64) *Registry {
	t.Helper()
	defaults := testConfig()
	defaults.Flavours = nil
	r := NewRegistry(RegistryOptions{
		Defaults: defaults,
		NewProvider: func(cfg config.SessionConfig) carbon.Provider {
			return mock.New(testForecast(intensity))
		},
		Clock: clock.NewMockClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)),
	})
	t.Cleanup(r.Close)
	return r
}

func flavourUpdate() *config.SessionUpdate {
	return &config.SessionUpdate{
		Flavours: []config.FlavourSpec{
			{Name: "A", Precision: 1.0, CarbonIntensity: 200},
			{Name: "B", Precision: 0.7, CarbonIntensity: 80},
		},
	}
}

func TestUpdateConfigCreatesSession(t *testing.T) {
	r := newTestRegistry(t, 200)

	_, err := r.Get("team", "svc")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, r.UpdateConfig("team", "svc", flavourUpdate()))
	s, err := r.Get("team", "svc")
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestUpdateConfigRejectsInvalidPayload(t *testing.T) {
	r := newTestRegistry(t, 200)

	bad := 1.5
	err := r.UpdateConfig("team", "svc", &config.SessionUpdate{TargetError: &bad})
	assert.Error(t, err)
}

func TestRemoveStopsSession(t *testing.T) {
	r := newTestRegistry(t, 200)
	require.NoError(t, r.UpdateConfig("team", "svc", flavourUpdate()))

	require.NoError(t, r.Remove("team", "svc"))
	_, err := r.Get("team", "svc")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.Remove("team", "svc"), ErrNotFound)
}

func TestSessionsIsolatedAcrossKeys(t *testing.T) {
	r := newTestRegistry(t, 200)
	require.NoError(t, r.UpdateConfig("team", "one", flavourUpdate()))
	require.NoError(t, r.UpdateConfig("team", "two", flavourUpdate()))

	policyName := policy.NameForecastAware
	require.NoError(t, r.UpdateConfig("team", "one", &config.SessionUpdate{Policy: &policyName}))

	one, err := r.Get("team", "one")
	require.NoError(t, err)
	two, err := r.Get("team", "two")
	require.NoError(t, err)
	assert.Equal(t, policy.NameForecastAware, one.Config().Policy)
	assert.Equal(t, policy.NamePrecisionTier, two.Config().Policy)
}

func TestCreditSpentOnCleanGrid(t *testing.T) {
	cfg := testConfig()
	cfg.Policy = policy.NameCreditGreedy
	cfg.TargetError = 0.1
	s, _ := newTestSession(t, cfg, mock.New(testForecast(100)))
	s.Ledger().Seed(0.5)

	require.NoError(t, s.evaluate(context.Background()))
	first := s.Latest()
	assert.LessOrEqual(t, first.FlavourWeights["A"], 60)
	assert.Greater(t, first.FlavourWeights["B"], 0)

	for i := 0; i < 10; i++ {
		require.NoError(t, s.evaluate(context.Background()))
	}
	assert.Less(t, s.Latest().Credits.Balance, 0.5,
		"spending below-target precision drains the tank toward a plateau")
}
