package config

import (
	"encoding/json"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/carbonshift/decision-engine/pkg/decisionengine/flavour"
)

// SessionUpdate is one partial configuration push. Absent fields leave the
// session's current values untouched; `flavours` replaces the whole set.
type SessionUpdate struct {
	TargetError       *float64                   `json:"targetError"`
	CreditMin         *float64                   `json:"creditMin"`
	CreditMax         *float64                   `json:"creditMax"`
	CreditWindow      *int                       `json:"creditWindow"`
	Sensitivity       *float64                   `json:"creditSensitivity"`
	Policy            *string                    `json:"policy"`
	ValidFor          *float64                   `json:"validFor"`          // seconds
	DiscoveryInterval *float64                   `json:"discoveryInterval"` // seconds
	CarbonTarget      *string                    `json:"carbonTarget"`
	CarbonTimeout     *float64                   `json:"carbonTimeout"`  // seconds
	CarbonCacheTTL    *float64                   `json:"carbonCacheTTL"` // seconds
	ThrottleMin       *float64                   `json:"throttleMin"`
	IntensityFloor    *float64                   `json:"intensityFloor"`
	IntensityCeiling  *float64                   `json:"intensityCeiling"`
	Components        map[string]ComponentBounds `json:"components"`
	Flavours          []FlavourSpec              `json:"flavours"`
}

// FlavourSpec is the wire form of one flavour in a config push.
type FlavourSpec struct {
	Name            string            `json:"name"`
	Precision       float64           `json:"precision"`
	CarbonIntensity float64           `json:"carbonIntensity"`
	LatencyWeight   *float64          `json:"latencyWeight"`
	Deadline        int               `json:"deadline"`
	Enabled         *bool             `json:"enabled"`
	Annotations     map[string]string `json:"annotations"`
}

// Profile converts the wire form into a flavour profile. Precision values
// above 1 are read as percentages.
func (s FlavourSpec) Profile() flavour.Profile {
	precision := s.Precision
	if precision > 1 {
		precision = precision / 100
	}
	p := flavour.Profile{
		Name:            s.Name,
		Precision:       precision,
		CarbonIntensity: s.CarbonIntensity,
		LatencyWeight:   1,
		Deadline:        s.Deadline,
		Enabled:         true,
		Annotations:     s.Annotations,
	}
	if s.LatencyWeight != nil {
		p.LatencyWeight = *s.LatencyWeight
	}
	if s.Enabled != nil {
		p.Enabled = *s.Enabled
	}
	return p
}

// knownUpdateFields guards the unknown-field warning in ParseSessionUpdate.
var knownUpdateFields = map[string]bool{
	"targetError": true, "creditMin": true, "creditMax": true,
	"creditWindow": true, "creditSensitivity": true, "policy": true,
	"validFor": true, "discoveryInterval": true, "carbonTarget": true,
	"carbonTimeout": true, "carbonCacheTTL": true, "throttleMin": true,
	"intensityFloor": true, "intensityCeiling": true, "components": true,
	"flavours": true,
}

// ParseSessionUpdate decodes a config push, warning on unknown fields rather
// than rejecting them.
func ParseSessionUpdate(data []byte) (*SessionUpdate, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config payload: %v", err)
	}
	for field := range raw {
		if !knownUpdateFields[field] {
			klog.InfoS("Ignoring unknown config field", "field", field)
		}
	}
	var update SessionUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		return nil, fmt.Errorf("failed to parse config payload: %v", err)
	}
	return &update, nil
}

// Merge applies the update onto a copy of the configuration and returns it.
// The caller validates the result before adopting it.
func (c SessionConfig) Merge(u *SessionUpdate) SessionConfig {
	out := c.Clone()
	if u == nil {
		return out
	}
	if u.TargetError != nil {
		out.TargetError = *u.TargetError
	}
	if u.CreditMin != nil {
		out.CreditMin = *u.CreditMin
	}
	if u.CreditMax != nil {
		out.CreditMax = *u.CreditMax
	}
	if u.CreditWindow != nil {
		out.CreditWindow = *u.CreditWindow
	}
	if u.Sensitivity != nil {
		out.Sensitivity = *u.Sensitivity
	}
	if u.Policy != nil {
		out.Policy = *u.Policy
	}
	if u.ValidFor != nil {
		out.ValidFor = secondsToDuration(*u.ValidFor)
	}
	if u.DiscoveryInterval != nil {
		out.DiscoveryInterval = secondsToDuration(*u.DiscoveryInterval)
	}
	if u.CarbonTarget != nil {
		out.CarbonTarget = *u.CarbonTarget
	}
	if u.CarbonTimeout != nil {
		out.CarbonTimeout = secondsToDuration(*u.CarbonTimeout)
	}
	if u.CarbonCacheTTL != nil {
		out.CarbonCacheTTL = secondsToDuration(*u.CarbonCacheTTL)
	}
	if u.ThrottleMin != nil {
		out.ThrottleMin = *u.ThrottleMin
	}
	if u.IntensityFloor != nil {
		out.IntensityFloor = *u.IntensityFloor
	}
	if u.IntensityCeiling != nil {
		out.IntensityCeiling = *u.IntensityCeiling
	}
	if u.Components != nil {
		out.Components = make(map[string]ComponentBounds, len(u.Components))
		for name, bounds := range u.Components {
			out.Components[name] = bounds
		}
	}
	if u.Flavours != nil {
		out.Flavours = make([]flavour.Profile, 0, len(u.Flavours))
		for _, spec := range u.Flavours {
			out.Flavours = append(out.Flavours, spec.Profile())
		}
	}
	return out
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
