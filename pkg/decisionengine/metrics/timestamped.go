package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// maxPointAge drops forecast points once they fall this far behind now.
const maxPointAge = time.Hour

// TimestampedForecast exports forecast intensities with the forecast's own
// timestamp rather than the scrape time, so downstream dashboards plot future
// slots at their actual position on the time axis.
var TimestampedForecast = newForecastCollector()

type forecastPoint struct {
	value     float64
	timestamp time.Time
}

type forecastCollector struct {
	mutex  sync.Mutex
	desc   *prometheus.Desc
	points map[forecastKey]forecastPoint
}

type forecastKey struct {
	namespace string
	schedule  string
	horizon   string
}

func newForecastCollector() *forecastCollector {
	return &forecastCollector{
		desc: prometheus.NewDesc(
			"scheduler_forecast_intensity_timestamped",
			"Grid carbon intensity forecast stamped with the slot time (gCO2/kWh)",
			[]string{"namespace", "schedule", "horizon"},
			nil,
		),
		points: make(map[forecastKey]forecastPoint),
	}
}

// Record stores one forecast point. horizonHours 0 is the current slot.
func (c *forecastCollector) Record(namespace, schedule string, horizonHours float64, intensity float64, at time.Time) {
	key := forecastKey{
		namespace: namespace,
		schedule:  schedule,
		horizon:   fmt.Sprintf("%.1fh", horizonHours),
	}
	c.mutex.Lock()
	c.points[key] = forecastPoint{value: intensity, timestamp: at}
	c.mutex.Unlock()
}

func (c *forecastCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *forecastCollector) Collect(ch chan<- prometheus.Metric) {
	cutoff := time.Now().Add(-maxPointAge)

	c.mutex.Lock()
	defer c.mutex.Unlock()
	for key, point := range c.points {
		if point.timestamp.Before(cutoff) {
			delete(c.points, key)
			continue
		}
		ch <- prometheus.NewMetricWithTimestamp(point.timestamp,
			prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue,
				point.value, key.namespace, key.schedule, key.horizon))
	}
}
