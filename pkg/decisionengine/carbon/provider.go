package carbon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"k8s.io/klog/v2"
)

const (
	// DefaultBaseURL is the public UK grid intensity forecast API.
	DefaultBaseURL = "https://api.carbonintensity.org.uk"

	// extendedHorizon caps how far ahead extended points are emitted.
	extendedHorizon = 48 * time.Hour
)

// Provider produces forecast snapshots for the evaluator.
type Provider interface {
	// Sample returns the current snapshot, possibly from cache. It returns
	// ErrUnavailable (never hangs past the configured timeout) when no data
	// can be produced.
	Sample(ctx context.Context) (*ForecastSnapshot, error)

	// Configure updates the target/timeout/TTL settings.
	Configure(settings Settings)

	// Close releases provider resources.
	Close()
}

// Settings holds the tunable provider parameters pushed via session config.
type Settings struct {
	Target   string        // "national", "region:<id>" or "postcode:<pc>"
	Timeout  time.Duration // per-request bound
	CacheTTL time.Duration
}

// HTTPClient interface allows mocking http.Client in tests
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// CacheInterface is the snapshot cache consumed by the client. The concrete
// implementation lives in the cache package.
type CacheInterface interface {
	Get(target string) (*ForecastSnapshot, bool)
	Set(target string, snap *ForecastSnapshot)
	SetTTL(ttl time.Duration)
}

// Client fetches and caches 48h carbon intensity forecasts.
type Client struct {
	baseURL    string
	httpClient HTTPClient
	breaker    *gobreaker.CircuitBreaker
	cache      CacheInterface
	clock      func() time.Time

	mutex    sync.RWMutex
	settings Settings
}

// ClientOption allows customizing the client
type ClientOption func(*Client)

// WithHTTPClient allows injecting a custom HTTP client
func WithHTTPClient(hc HTTPClient) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithCache adds a snapshot cache to the client
func WithCache(cache CacheInterface) ClientOption {
	return func(c *Client) { c.cache = cache }
}

// WithNowFunc overrides the sampling clock (tests).
func WithNowFunc(now func() time.Time) ClientOption {
	return func(c *Client) { c.clock = now }
}

// NewClient creates a forecast client for the given base URL. An empty URL
// selects the public national grid API.
func NewClient(baseURL string, settings Settings, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 2 * time.Second
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		settings:   settings,
		clock:      time.Now,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "carbon-api",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			klog.V(2).InfoS("Carbon API circuit breaker state changed",
				"name", name, "from", from.String(), "to", to.String())
		},
	})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configure updates the provider settings for subsequent samples.
func (c *Client) Configure(settings Settings) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if settings.Target != "" {
		c.settings.Target = settings.Target
	}
	if settings.Timeout > 0 {
		c.settings.Timeout = settings.Timeout
	}
	if settings.CacheTTL > 0 {
		c.settings.CacheTTL = settings.CacheTTL
		if c.cache != nil {
			c.cache.SetTTL(settings.CacheTTL)
		}
	}
}

func (c *Client) currentSettings() Settings {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.settings
}

// Sample fetches the next-48h forecast, serving from cache when the cached
// sample is younger than the TTL.
func (c *Client) Sample(ctx context.Context) (*ForecastSnapshot, error) {
	settings := c.currentSettings()

	if c.cache != nil {
		if snap, fresh := c.cache.Get(settings.Target); fresh {
			klog.V(4).InfoS("Using cached forecast snapshot",
				"target", settings.Target, "intensityNow", snap.IntensityNow)
			return copySnapshot(snap), nil
		}
	}

	slots, err := c.fetchSchedule(ctx, settings)
	if err != nil {
		klog.V(2).InfoS("Forecast fetch failed", "target", settings.Target, "error", err)
		return nil, ErrUnavailable
	}

	snap := c.buildSnapshot(slots)
	if snap == nil {
		return nil, ErrUnavailable
	}

	if c.cache != nil {
		c.cache.Set(settings.Target, snap)
	}
	klog.V(3).InfoS("Fetched carbon intensity forecast",
		"target", settings.Target,
		"intensityNow", snap.IntensityNow,
		"intensityNext", snap.IntensityNext,
		"slots", len(snap.Schedule))
	return copySnapshot(snap), nil
}

// copySnapshot hands each caller a private copy so sessions can annotate their
// sample without touching the cached one. The slices are shared and read-only.
func copySnapshot(snap *ForecastSnapshot) *ForecastSnapshot {
	out := *snap
	return &out
}

// intensityPayload mirrors the provider's wire schema.
type intensityPayload struct {
	Data []intensityEntry `json:"data"`
}

type intensityEntry struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Intensity struct {
		Forecast *float64 `json:"forecast"`
		Actual   *float64 `json:"actual"`
		Index    string   `json:"index"`
	} `json:"intensity"`
}

func (c *Client) fetchSchedule(ctx context.Context, settings Settings) ([]ForecastPoint, error) {
	url := c.baseURL + schedulePath(settings.Target, c.clock().UTC())

	body, err := c.breaker.Execute(func() (interface{}, error) {
		reqCtx, cancel := context.WithTimeout(ctx, settings.Timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %v", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}

		var payload intensityPayload
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return nil, fmt.Errorf("failed to decode response: %v", err)
		}
		return &payload, nil
	})
	if err != nil {
		return nil, err
	}

	return c.normaliseSchedule(body.(*intensityPayload)), nil
}

// normaliseSchedule converts raw slots into ordered forecast points, dropping
// slots that ended more than half an hour ago or that carry no value.
func (c *Client) normaliseSchedule(payload *intensityPayload) []ForecastPoint {
	now := c.clock().UTC()
	windowStart := now.Add(-30 * time.Minute)

	points := make([]ForecastPoint, 0, len(payload.Data))
	for _, entry := range payload.Data {
		from, err := time.Parse(time.RFC3339, normaliseStamp(entry.From))
		if err != nil {
			continue
		}
		to, err := time.Parse(time.RFC3339, normaliseStamp(entry.To))
		if err != nil {
			continue
		}
		if to.Before(windowStart) {
			continue
		}
		value := entry.Intensity.Forecast
		if value == nil {
			value = entry.Intensity.Actual
		}
		if value == nil {
			continue
		}
		points = append(points, ForecastPoint{
			From:     from.UTC(),
			To:       to.UTC(),
			Forecast: *value,
			Index:    entry.Intensity.Index,
		})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].From.Before(points[j].From) })
	return points
}

// buildSnapshot derives now/next/extended from the ordered slot sequence.
// Returns nil when no intensity value at all is present.
func (c *Client) buildSnapshot(slots []ForecastPoint) *ForecastSnapshot {
	if len(slots) == 0 {
		return nil
	}
	now := c.clock().UTC()

	// Locate the slot containing the sampling instant; if the schedule only
	// has future slots, the first one stands in.
	nowIdx := 0
	for i, slot := range slots {
		if !slot.From.After(now) && slot.To.After(now) {
			nowIdx = i
			break
		}
	}

	snap := &ForecastSnapshot{
		IntensityNow: slots[nowIdx].Forecast,
		HasNow:       true,
		IndexNow:     slots[nowIdx].Index,
		Schedule:     slots,
		Timestamp:    now,
	}
	if nowIdx+1 < len(slots) {
		snap.IntensityNext = slots[nowIdx+1].Forecast
		snap.HasNext = true
		snap.IndexNext = slots[nowIdx+1].Index
	} else {
		// The adapter never invents data: with only the current slot known,
		// next mirrors now and the snapshot is flagged degraded.
		snap.IntensityNext = snap.IntensityNow
		snap.HasNext = true
		snap.IndexNext = snap.IndexNow
		snap.Degraded = true
	}

	// Extended covers strictly future slots; the current one is already
	// represented by IntensityNow.
	for _, slot := range slots[nowIdx+1:] {
		mid := slot.From.Add(slot.To.Sub(slot.From) / 2)
		ahead := mid.Sub(now)
		if ahead > extendedHorizon {
			break
		}
		snap.Extended = append(snap.Extended, ExtendedPoint{
			HorizonHours: ahead.Hours(),
			Intensity:    slot.Forecast,
		})
	}
	return snap
}

// Close releases client resources.
func (c *Client) Close() {}

// schedulePath builds the forward-48h query path for the configured target.
func schedulePath(target string, now time.Time) string {
	start := now.Truncate(time.Minute).Format("2006-01-02T15:04Z")
	kind, value := parseTarget(target)
	switch kind {
	case "region":
		return fmt.Sprintf("/regional/intensity/%s/fw48h/regionid/%s", start, value)
	case "postcode":
		return fmt.Sprintf("/regional/intensity/%s/fw48h/postcode/%s", start, value)
	default:
		return fmt.Sprintf("/intensity/%s/fw48h", start)
	}
}

func parseTarget(raw string) (kind, value string) {
	trimmed := strings.TrimSpace(raw)
	lowered := strings.ToLower(trimmed)
	switch {
	case strings.HasPrefix(lowered, "region:"):
		return "region", strings.TrimSpace(trimmed[len("region:"):])
	case strings.HasPrefix(lowered, "postcode:"):
		return "postcode", strings.ToUpper(strings.TrimSpace(trimmed[len("postcode:"):]))
	default:
		return "national", ""
	}
}

func normaliseStamp(raw string) string {
	// The provider emits minute-precision stamps like 2026-01-02T15:04Z.
	if len(raw) == len("2006-01-02T15:04Z") {
		return raw[:len(raw)-1] + ":00Z"
	}
	return raw
}
