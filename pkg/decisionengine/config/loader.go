package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
	"k8s.io/klog/v2"

	"github.com/carbonshift/decision-engine/pkg/decisionengine/policy"
)

// Load builds the process configuration from environment variables, applies
// the optional YAML overlay named by CONFIG_PATH, and validates the result.
func Load() (*Config, error) {
	cfg := LoadFromEnv()

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if err := applyOverlay(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config overlay: %v", err)
		}
	}

	if err := cfg.Session.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %v", err)
	}

	klog.V(2).InfoS("Loaded configuration",
		"defaultNamespace", cfg.DefaultNamespace,
		"defaultName", cfg.DefaultName,
		"policy", cfg.Session.Policy,
		"carbonTarget", cfg.Session.CarbonTarget,
		"apiPort", cfg.APIPort,
		"metricsPort", cfg.MetricsPort)

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	return &Config{
		DefaultNamespace: getEnvOrDefault("DEFAULT_SCHEDULE_NAMESPACE", "default"),
		DefaultName:      getEnvOrDefault("DEFAULT_SCHEDULE_NAME", "default"),
		APIPort:          getIntOrDefault("API_PORT", 8080),
		MetricsPort:      getIntOrDefault("METRICS_PORT", 8001),
		CarbonAPIURL:     os.Getenv("CARBON_API_URL"),
		HistoryPath:      os.Getenv("CARBON_HISTORY_PATH"),
		Session: SessionConfig{
			TargetError:       getFloatOrDefault("TARGET_ERROR", 0.05),
			CreditMin:         getFloatOrDefault("CREDIT_MIN", -0.5),
			CreditMax:         getFloatOrDefault("CREDIT_MAX", 0.5),
			CreditWindow:      getIntOrDefault("CREDIT_WINDOW", 300),
			Sensitivity:       getFloatOrDefault("CREDIT_SENSITIVITY", 1.0),
			Policy:            getEnvOrDefault("SCHEDULER_POLICY", policy.DefaultName),
			ValidFor:          getSecondsOrDefault("SCHEDULE_VALID_FOR", 60*time.Second),
			DiscoveryInterval: getSecondsOrDefault("DISCOVERY_INTERVAL", 30*time.Second),
			CarbonTarget:      getEnvOrDefault("CARBON_API_TARGET", "national"),
			CarbonTimeout:     getSecondsOrDefault("CARBON_API_TIMEOUT", 2*time.Second),
			CarbonCacheTTL:    getSecondsOrDefault("CARBON_API_CACHE_TTL", 300*time.Second),
			ThrottleMin:       getFloatOrDefault("THROTTLE_MIN", 0.2),
			IntensityFloor:    getFloatOrDefault("INTENSITY_FLOOR", 150),
			IntensityCeiling:  getFloatOrDefault("INTENSITY_CEILING", 350),
		},
	}
}

// applyOverlay merges a YAML file over the env-derived configuration. Only
// non-zero overlay fields take effect.
func applyOverlay(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %v", path, err)
	}
	overlay := &Config{}
	if err := yaml.Unmarshal(data, overlay); err != nil {
		return fmt.Errorf("failed to parse %s: %v", path, err)
	}

	if overlay.DefaultNamespace != "" {
		cfg.DefaultNamespace = overlay.DefaultNamespace
	}
	if overlay.DefaultName != "" {
		cfg.DefaultName = overlay.DefaultName
	}
	if overlay.APIPort != 0 {
		cfg.APIPort = overlay.APIPort
	}
	if overlay.MetricsPort != 0 {
		cfg.MetricsPort = overlay.MetricsPort
	}
	if overlay.CarbonAPIURL != "" {
		cfg.CarbonAPIURL = overlay.CarbonAPIURL
	}
	if overlay.HistoryPath != "" {
		cfg.HistoryPath = overlay.HistoryPath
	}

	s := &cfg.Session
	o := overlay.Session
	if o.TargetError != 0 {
		s.TargetError = o.TargetError
	}
	if o.CreditMin != 0 {
		s.CreditMin = o.CreditMin
	}
	if o.CreditMax != 0 {
		s.CreditMax = o.CreditMax
	}
	if o.CreditWindow != 0 {
		s.CreditWindow = o.CreditWindow
	}
	if o.Sensitivity != 0 {
		s.Sensitivity = o.Sensitivity
	}
	if o.Policy != "" {
		s.Policy = o.Policy
	}
	if o.ValidFor != 0 {
		s.ValidFor = o.ValidFor
	}
	if o.DiscoveryInterval != 0 {
		s.DiscoveryInterval = o.DiscoveryInterval
	}
	if o.CarbonTarget != "" {
		s.CarbonTarget = o.CarbonTarget
	}
	if o.CarbonTimeout != 0 {
		s.CarbonTimeout = o.CarbonTimeout
	}
	if o.CarbonCacheTTL != 0 {
		s.CarbonCacheTTL = o.CarbonCacheTTL
	}
	if o.ThrottleMin != 0 {
		s.ThrottleMin = o.ThrottleMin
	}
	if o.IntensityFloor != 0 {
		s.IntensityFloor = o.IntensityFloor
	}
	if o.IntensityCeiling != 0 {
		s.IntensityCeiling = o.IntensityCeiling
	}
	if len(o.Components) > 0 {
		s.Components = o.Components
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if strValue := os.Getenv(key); strValue != "" {
		if value, err := strconv.Atoi(strValue); err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid integer value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if strValue := os.Getenv(key); strValue != "" {
		if value, err := strconv.ParseFloat(strValue, 64); err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid float value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}

// getSecondsOrDefault reads a duration expressed as a plain number of seconds
// (the reconciler's convention), e.g. CARBON_API_TIMEOUT=2.5.
func getSecondsOrDefault(key string, defaultValue time.Duration) time.Duration {
	if strValue := os.Getenv(key); strValue != "" {
		if value, err := strconv.ParseFloat(strValue, 64); err == nil && value > 0 {
			return time.Duration(value * float64(time.Second))
		}
		klog.V(2).InfoS("Invalid seconds value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}
