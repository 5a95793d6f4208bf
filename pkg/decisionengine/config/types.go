package config

import (
	"fmt"
	"time"

	"github.com/carbonshift/decision-engine/pkg/decisionengine/flavour"
	"github.com/carbonshift/decision-engine/pkg/decisionengine/policy"
)

// Config holds the process-level configuration.
type Config struct {
	// DefaultNamespace/DefaultName key the session served by the unqualified
	// schedule endpoints.
	DefaultNamespace string `yaml:"defaultNamespace"`
	DefaultName      string `yaml:"defaultName"`

	// APIPort serves the JSON API, MetricsPort the Prometheus scrape.
	APIPort     int `yaml:"apiPort"`
	MetricsPort int `yaml:"metricsPort"`

	// CarbonAPIURL overrides the forecast endpoint (tests, private mirrors).
	CarbonAPIURL string `yaml:"carbonApiUrl"`

	// HistoryPath enables the SQLite intensity history store when set.
	HistoryPath string `yaml:"historyPath"`

	// Session carries the defaults applied to every new session before any
	// config push.
	Session SessionConfig `yaml:"session"`
}

// ComponentBounds are the replica limits of one scalable component.
type ComponentBounds struct {
	MinReplicas int `json:"minReplicas" yaml:"minReplicas"`
	MaxReplicas int `json:"maxReplicas" yaml:"maxReplicas"`
}

// SessionConfig is the effective configuration of one scheduler session.
type SessionConfig struct {
	TargetError  float64 `yaml:"targetError"`
	CreditMin    float64 `yaml:"creditMin"`
	CreditMax    float64 `yaml:"creditMax"`
	CreditWindow int     `yaml:"creditWindow"` // seconds
	// Sensitivity dampens the ledger allowance mapping, in (0, 1].
	Sensitivity float64 `yaml:"creditSensitivity"`

	Policy   string        `yaml:"policy"`
	ValidFor time.Duration `yaml:"validFor"`
	// DiscoveryInterval is advisory for the external reconciler and echoed
	// back in config reads.
	DiscoveryInterval time.Duration `yaml:"discoveryInterval"`

	CarbonTarget   string        `yaml:"carbonTarget"`
	CarbonTimeout  time.Duration `yaml:"carbonTimeout"`
	CarbonCacheTTL time.Duration `yaml:"carbonCacheTTL"`

	ThrottleMin      float64 `yaml:"throttleMin"`
	IntensityFloor   float64 `yaml:"intensityFloor"`
	IntensityCeiling float64 `yaml:"intensityCeiling"`

	Components map[string]ComponentBounds `yaml:"components"`
	Flavours   []flavour.Profile          `yaml:"-"`
}

// Validate checks the structural invariants of a session configuration.
func (c SessionConfig) Validate() error {
	if c.TargetError < 0 || c.TargetError >= 1 {
		return fmt.Errorf("targetError must be in [0, 1), got %v", c.TargetError)
	}
	if c.CreditMin > 0 || c.CreditMax < 0 {
		return fmt.Errorf("credit bounds must satisfy min <= 0 <= max, got [%v, %v]", c.CreditMin, c.CreditMax)
	}
	if c.CreditWindow < 1 {
		return fmt.Errorf("creditWindow must be at least 1 second, got %d", c.CreditWindow)
	}
	if c.Sensitivity <= 0 || c.Sensitivity > 1 {
		return fmt.Errorf("creditSensitivity must be in (0, 1], got %v", c.Sensitivity)
	}
	if !policy.Known(c.Policy) {
		return fmt.Errorf("unknown policy %q (known: %v)", c.Policy, policy.Names())
	}
	if c.ValidFor < time.Second {
		return fmt.Errorf("validFor must be at least 1 second, got %v", c.ValidFor)
	}
	if c.ThrottleMin <= 0 || c.ThrottleMin > 1 {
		return fmt.Errorf("throttleMin must be in (0, 1], got %v", c.ThrottleMin)
	}
	if c.IntensityFloor < 0 || c.IntensityCeiling <= c.IntensityFloor {
		return fmt.Errorf("intensity bounds must satisfy 0 <= floor < ceiling, got [%v, %v]",
			c.IntensityFloor, c.IntensityCeiling)
	}
	for name, bounds := range c.Components {
		if bounds.MinReplicas < 0 {
			return fmt.Errorf("component %s: minReplicas must not be negative", name)
		}
		if bounds.MaxReplicas < 1 || bounds.MaxReplicas < bounds.MinReplicas {
			return fmt.Errorf("component %s: maxReplicas must be positive and not below minReplicas", name)
		}
	}
	for _, f := range c.Flavours {
		if err := f.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy so merges never alias the live configuration.
func (c SessionConfig) Clone() SessionConfig {
	out := c
	if c.Components != nil {
		out.Components = make(map[string]ComponentBounds, len(c.Components))
		for name, bounds := range c.Components {
			out.Components[name] = bounds
		}
	}
	if c.Flavours != nil {
		out.Flavours = make([]flavour.Profile, len(c.Flavours))
		copy(out.Flavours, c.Flavours)
		for i, f := range c.Flavours {
			if f.Annotations != nil {
				annotations := make(map[string]string, len(f.Annotations))
				for k, v := range f.Annotations {
					annotations[k] = v
				}
				out.Flavours[i].Annotations = annotations
			}
		}
	}
	return out
}
