package carbon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCache implements CacheInterface in-memory.
type fakeCache struct {
	entries map[string]*ForecastSnapshot
	hits    int
	ttl     time.Duration
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string]*ForecastSnapshot{}}
}

func (c *fakeCache) Get(target string) (*ForecastSnapshot, bool) {
	snap, ok := c.entries[target]
	if ok {
		c.hits++
	}
	return snap, ok
}

func (c *fakeCache) Set(target string, snap *ForecastSnapshot) {
	c.entries[target] = snap
}

func (c *fakeCache) SetTTL(ttl time.Duration) {
	c.ttl = ttl
}

const intensityBody = `{
  "data": [
    {"from": "2026-08-24T10:00Z", "to": "2026-08-24T10:30Z",
     "intensity": {"forecast": 220, "actual": null, "index": "high"}},
    {"from": "2026-08-24T10:30Z", "to": "2026-08-24T11:00Z",
     "intensity": {"forecast": 180, "actual": null, "index": "moderate"}},
    {"from": "2026-08-24T11:00Z", "to": "2026-08-24T11:30Z",
     "intensity": {"forecast": 120, "actual": null, "index": "low"}}
  ]
}`

func fixedNow() time.Time {
	return time.Date(2026, 8, 24, 10, 10, 0, 0, time.UTC)
}

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...ClientOption) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	opts = append(opts, WithNowFunc(fixedNow))
	return NewClient(server.URL, Settings{Target: "national", Timeout: time.Second}, opts...)
}

func TestSampleParsesSchedule(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.URL.Path, "/intensity/"))
		assert.True(t, strings.HasSuffix(r.URL.Path, "/fw48h"))
		w.Write([]byte(intensityBody))
	})

	snap, err := client.Sample(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 220.0, snap.IntensityNow, "slot containing the sampling instant")
	assert.Equal(t, 180.0, snap.IntensityNext)
	assert.True(t, snap.HasNow)
	assert.True(t, snap.HasNext)
	assert.False(t, snap.Degraded)
	assert.Equal(t, "high", snap.IndexNow)
	assert.Len(t, snap.Schedule, 3)
	require.Len(t, snap.Extended, 2, "only slots after the current one")
	assert.Greater(t, snap.Extended[0].HorizonHours, 0.0)
	assert.LessOrEqual(t, snap.Extended[len(snap.Extended)-1].HorizonHours, 48.0)
}

func TestSampleSingleSlotIsDegraded(t *testing.T) {
	body := `{"data": [{"from": "2026-08-24T10:00Z", "to": "2026-08-24T10:30Z",
		"intensity": {"forecast": 220, "actual": null, "index": "high"}}]}`
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	})

	snap, err := client.Sample(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Degraded)
	assert.Equal(t, snap.IntensityNow, snap.IntensityNext, "next mirrors now when only one slot exists")
}

func TestSampleUsesActualWhenForecastMissing(t *testing.T) {
	body := `{"data": [
		{"from": "2026-08-24T10:00Z", "to": "2026-08-24T10:30Z",
		 "intensity": {"forecast": null, "actual": 240, "index": "high"}},
		{"from": "2026-08-24T10:30Z", "to": "2026-08-24T11:00Z",
		 "intensity": {"forecast": 180, "actual": null, "index": "moderate"}}]}`
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	})

	snap, err := client.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 240.0, snap.IntensityNow)
}

func TestSampleServerErrorReturnsUnavailable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := client.Sample(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestSampleEmptyScheduleReturnsUnavailable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": []}`))
	})

	_, err := client.Sample(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestSampleServesFromCache(t *testing.T) {
	calls := 0
	cache := newFakeCache()
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(intensityBody))
	}, WithCache(cache))

	_, err := client.Sample(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	snap, err := client.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "second sample must come from cache")
	assert.Equal(t, 220.0, snap.IntensityNow)
	assert.Equal(t, 1, cache.hits)
}

func TestSampleReturnsPrivateCopy(t *testing.T) {
	cache := newFakeCache()
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(intensityBody))
	}, WithCache(cache))

	first, err := client.Sample(context.Background())
	require.NoError(t, err)

	// Sessions annotate their sample with demand estimates; that must never
	// reach the cached snapshot other sessions read.
	first.DemandNow = 42
	first.HasDemand = true

	second, err := client.Sample(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	require.False(t, second.HasDemand)
	assert.Zero(t, second.DemandNow)
}

func TestConfigureAppliesCacheTTL(t *testing.T) {
	cache := newFakeCache()
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(intensityBody))
	}, WithCache(cache))

	client.Configure(Settings{CacheTTL: 42 * time.Second})
	assert.Equal(t, 42*time.Second, cache.ttl)
}

func TestConfigureUpdatesTarget(t *testing.T) {
	var paths []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.Write([]byte(intensityBody))
	})

	_, err := client.Sample(context.Background())
	require.NoError(t, err)

	client.Configure(Settings{Target: "region:13"})
	_, err = client.Sample(context.Background())
	require.NoError(t, err)

	require.Len(t, paths, 2)
	assert.Contains(t, paths[1], "/regional/intensity/")
	assert.True(t, strings.HasSuffix(paths[1], "/regionid/13"))
}

func TestSchedulePathTargets(t *testing.T) {
	now := fixedNow()
	tests := []struct {
		target string
		want   string
	}{
		{"national", "/intensity/2026-08-24T10:10Z/fw48h"},
		{"", "/intensity/2026-08-24T10:10Z/fw48h"},
		{"region:13", "/regional/intensity/2026-08-24T10:10Z/fw48h/regionid/13"},
		{"postcode:ox1", "/regional/intensity/2026-08-24T10:10Z/fw48h/postcode/OX1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, schedulePath(tt.target, now), "target %q", tt.target)
	}
}

func TestNormaliseScheduleDropsStaleSlots(t *testing.T) {
	client := NewClient("http://unused", Settings{}, WithNowFunc(fixedNow))

	forecast := 200.0
	entry := func(from, to string) intensityEntry {
		e := intensityEntry{From: from, To: to}
		e.Intensity.Forecast = &forecast
		return e
	}
	payload := &intensityPayload{Data: []intensityEntry{
		entry("2026-08-24T08:00Z", "2026-08-24T08:30Z"), // ended 100 min ago
		entry("2026-08-24T10:00Z", "2026-08-24T10:30Z"),
	}}

	points := client.normaliseSchedule(payload)
	require.Len(t, points, 1)
	assert.Equal(t, time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC), points[0].From)
}
