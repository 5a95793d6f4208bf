package cache

import (
	"testing"
	"time"

	"github.com/carbonshift/decision-engine/pkg/decisionengine/carbon"
)

func snapshot(intensity float64) *carbon.ForecastSnapshot {
	return &carbon.ForecastSnapshot{
		IntensityNow:  intensity,
		IntensityNext: intensity,
		HasNow:        true,
		HasNext:       true,
		Timestamp:     time.Now(),
	}
}

func TestCacheSetGet(t *testing.T) {
	c := New(time.Minute, time.Hour)
	defer c.Close()

	if _, found := c.Get("national"); found {
		t.Error("expected miss on empty cache")
	}

	c.Set("national", snapshot(200))
	snap, found := c.Get("national")
	if !found {
		t.Fatal("expected hit after set")
	}
	if snap.IntensityNow != 200 {
		t.Errorf("expected intensity 200, got %v", snap.IntensityNow)
	}

	if _, found := c.Get("region:13"); found {
		t.Error("targets must not share entries")
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	c := New(50*time.Millisecond, time.Hour)
	defer c.Close()

	c.Set("national", snapshot(180))
	if _, found := c.Get("national"); !found {
		t.Fatal("expected hit inside TTL")
	}

	time.Sleep(80 * time.Millisecond)
	if _, found := c.Get("national"); found {
		t.Error("expected miss after TTL")
	}
}

func TestCacheSetTTL(t *testing.T) {
	c := New(time.Hour, time.Hour)
	defer c.Close()

	c.Set("national", snapshot(180))
	c.SetTTL(time.Nanosecond)
	time.Sleep(time.Millisecond)

	if _, found := c.Get("national"); found {
		t.Error("expected miss after shrinking TTL")
	}
}

func TestCacheMetrics(t *testing.T) {
	c := New(time.Minute, time.Hour)
	defer c.Close()

	c.Get("national") // miss
	c.Set("national", snapshot(150))
	c.Get("national") // hit

	hits, misses := c.GetMetrics()
	if hits != 1 || misses != 1 {
		t.Errorf("expected 1 hit / 1 miss, got %d / %d", hits, misses)
	}
}

func TestCacheCleanupRemovesOldEntries(t *testing.T) {
	c := New(10*time.Millisecond, 20*time.Millisecond)
	defer c.Close()

	c.Set("national", snapshot(150))
	if c.Size() != 1 {
		t.Fatalf("expected 1 entry, got %d", c.Size())
	}

	time.Sleep(60 * time.Millisecond)
	if c.Size() != 0 {
		t.Errorf("expected cleanup to remove expired entry, size %d", c.Size())
	}
}
