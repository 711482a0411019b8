package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ClientConfig is the per-client configuration the execution core runs
// under. Loaded once at startup; missing required fields abort with a
// precise message, and unknown keys are rejected so typos surface early.
type ClientConfig struct {
	CustomerID int64            `yaml:"customer_id"`
	RateLimits RateLimitConfig  `yaml:"rate_limits"`
	Execution  ExecutionConfig  `yaml:"execution"`
	Guardrails GuardrailsConfig `yaml:"guardrails"`
	Rollback   RollbackConfig   `yaml:"rollback"`
	Cache      CacheConfig      `yaml:"cache"`

	// ApprovalTTLHours is how long a PENDING recommendation lives before it
	// expires. Default 72.
	ApprovalTTLHours int `yaml:"approval_ttl_hours"`
}

// RateLimitConfig bounds inbound execution calls per remote caller.
type RateLimitConfig struct {
	ExecutePerMin int `yaml:"execute_per_min"`
	BatchPerMin   int `yaml:"batch_per_min"`
}

// ExecutionConfig controls batch execution behavior.
type ExecutionConfig struct {
	ModeDefault string      `yaml:"mode_default"` // "DRY_RUN" or "LIVE"
	BatchCap    int         `yaml:"batch_cap"`
	Retry       RetryConfig `yaml:"retry"`
}

// RetryConfig controls adapter retry behavior on transient failures.
type RetryConfig struct {
	Max    int `yaml:"max"`
	BaseMs int `yaml:"base_ms"`
	CapMs  int `yaml:"cap_ms"`
}

// GuardrailsConfig tunes pre-flight checks.
type GuardrailsConfig struct {
	HighRiskConfidenceFloor float64 `yaml:"high_risk_confidence_floor"`
	DefaultCooldownDays     int     `yaml:"default_cooldown_days"`
}

// RollbackConfig tunes the rollback monitor.
type RollbackConfig struct {
	TickSeconds       int              `yaml:"tick_seconds"`
	WindowDays        int              `yaml:"window_days"`
	MinPostDataPoints int              `yaml:"min_post_data_points"`
	MaxMonitorDays    int              `yaml:"max_monitor_days"`
	Regression        RegressionConfig `yaml:"regression"`
}

// RegressionConfig holds the default regression thresholds. Rule-specific
// predicates override these.
type RegressionConfig struct {
	RoasDropPct    float64 `yaml:"roas_drop_pct"`
	CpaIncreasePct float64 `yaml:"cpa_increase_pct"`
}

// CacheConfig tunes the expiring cache.
type CacheConfig struct {
	TTLSeconds int `yaml:"ttl_seconds"`
	MaxEntries int `yaml:"max_entries"`
}

// LoadClient reads and validates the per-client YAML configuration.
func LoadClient(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read client config %s: %w", path, err)
	}

	cfg := defaultClientConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse client config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config %s: %w", path, err)
	}

	return cfg, nil
}

// defaultClientConfig returns the documented defaults; the YAML overrides
// what it names.
func defaultClientConfig() *ClientConfig {
	return &ClientConfig{
		RateLimits: RateLimitConfig{ExecutePerMin: 10, BatchPerMin: 5},
		Execution: ExecutionConfig{
			ModeDefault: "DRY_RUN",
			BatchCap:    100,
			Retry:       RetryConfig{Max: 3, BaseMs: 1000, CapMs: 30000},
		},
		Guardrails: GuardrailsConfig{HighRiskConfidenceFloor: 0.85, DefaultCooldownDays: 7},
		Rollback: RollbackConfig{
			TickSeconds:       300,
			WindowDays:        7,
			MinPostDataPoints: 20,
			MaxMonitorDays:    14,
			Regression:        RegressionConfig{RoasDropPct: 30, CpaIncreasePct: 50},
		},
		Cache:            CacheConfig{TTLSeconds: 3600, MaxEntries: 10000},
		ApprovalTTLHours: 72,
	}
}

// Validate checks required fields and bounds.
func (c *ClientConfig) Validate() error {
	if c.CustomerID == 0 {
		return fmt.Errorf("customer_id is required")
	}
	if c.RateLimits.ExecutePerMin <= 0 {
		return fmt.Errorf("rate_limits.execute_per_min must be positive, got %d", c.RateLimits.ExecutePerMin)
	}
	if c.RateLimits.BatchPerMin <= 0 {
		return fmt.Errorf("rate_limits.batch_per_min must be positive, got %d", c.RateLimits.BatchPerMin)
	}
	if c.Execution.ModeDefault != "DRY_RUN" && c.Execution.ModeDefault != "LIVE" {
		return fmt.Errorf("execution.mode_default must be DRY_RUN or LIVE, got %q", c.Execution.ModeDefault)
	}
	if c.Execution.BatchCap <= 0 || c.Execution.BatchCap > 100 {
		return fmt.Errorf("execution.batch_cap must be in 1..100, got %d", c.Execution.BatchCap)
	}
	if c.Execution.Retry.Max < 0 {
		return fmt.Errorf("execution.retry.max must be >= 0, got %d", c.Execution.Retry.Max)
	}
	if c.Guardrails.HighRiskConfidenceFloor < 0 || c.Guardrails.HighRiskConfidenceFloor > 1 {
		return fmt.Errorf("guardrails.high_risk_confidence_floor must be in [0,1], got %g", c.Guardrails.HighRiskConfidenceFloor)
	}
	if c.Guardrails.DefaultCooldownDays < 0 {
		return fmt.Errorf("guardrails.default_cooldown_days must be >= 0, got %d", c.Guardrails.DefaultCooldownDays)
	}
	if c.Rollback.TickSeconds <= 0 {
		return fmt.Errorf("rollback.tick_seconds must be positive, got %d", c.Rollback.TickSeconds)
	}
	if c.Rollback.WindowDays <= 0 {
		return fmt.Errorf("rollback.window_days must be positive, got %d", c.Rollback.WindowDays)
	}
	if c.Cache.TTLSeconds <= 0 {
		return fmt.Errorf("cache.ttl_seconds must be positive, got %d", c.Cache.TTLSeconds)
	}
	if c.ApprovalTTLHours <= 0 {
		return fmt.Errorf("approval_ttl_hours must be positive, got %d", c.ApprovalTTLHours)
	}
	return nil
}

// CacheTTL returns the cache TTL as a duration.
func (c *ClientConfig) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// ApprovalTTL returns the PENDING lifetime as a duration.
func (c *ClientConfig) ApprovalTTL() time.Duration {
	return time.Duration(c.ApprovalTTLHours) * time.Hour
}

// MonitoringWindow returns the rollback observation window as a duration.
func (c *ClientConfig) MonitoringWindow() time.Duration {
	return time.Duration(c.Rollback.WindowDays) * 24 * time.Hour
}
