package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeClientYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "client.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadClient_Defaults(t *testing.T) {
	path := writeClientYAML(t, "customer_id: 9999999999\n")

	cfg, err := LoadClient(path)
	require.NoError(t, err)

	assert.Equal(t, int64(9999999999), cfg.CustomerID)
	assert.Equal(t, 10, cfg.RateLimits.ExecutePerMin)
	assert.Equal(t, 5, cfg.RateLimits.BatchPerMin)
	assert.Equal(t, "DRY_RUN", cfg.Execution.ModeDefault)
	assert.Equal(t, 100, cfg.Execution.BatchCap)
	assert.Equal(t, 3, cfg.Execution.Retry.Max)
	assert.Equal(t, 0.85, cfg.Guardrails.HighRiskConfidenceFloor)
	assert.Equal(t, 300, cfg.Rollback.TickSeconds)
	assert.Equal(t, 30.0, cfg.Rollback.Regression.RoasDropPct)
	assert.Equal(t, 50.0, cfg.Rollback.Regression.CpaIncreasePct)
	assert.Equal(t, 3600, cfg.Cache.TTLSeconds)
	assert.Equal(t, 72, cfg.ApprovalTTLHours)
}

func TestLoadClient_Overrides(t *testing.T) {
	path := writeClientYAML(t, `
customer_id: 1234567890
rate_limits:
  execute_per_min: 20
  batch_per_min: 2
execution:
  mode_default: LIVE
  batch_cap: 50
  retry:
    max: 5
    base_ms: 500
    cap_ms: 10000
guardrails:
  high_risk_confidence_floor: 0.9
  default_cooldown_days: 14
rollback:
  tick_seconds: 60
  window_days: 3
  regression:
    roas_drop_pct: 20
    cpa_increase_pct: 40
cache:
  ttl_seconds: 120
  max_entries: 100
`)

	cfg, err := LoadClient(path)
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.RateLimits.ExecutePerMin)
	assert.Equal(t, "LIVE", cfg.Execution.ModeDefault)
	assert.Equal(t, 50, cfg.Execution.BatchCap)
	assert.Equal(t, 5, cfg.Execution.Retry.Max)
	assert.Equal(t, 0.9, cfg.Guardrails.HighRiskConfidenceFloor)
	assert.Equal(t, 14, cfg.Guardrails.DefaultCooldownDays)
	assert.Equal(t, 60, cfg.Rollback.TickSeconds)
	assert.Equal(t, 20.0, cfg.Rollback.Regression.RoasDropPct)
	assert.Equal(t, 120, cfg.Cache.TTLSeconds)
	// Unset sections keep defaults
	assert.Equal(t, 72, cfg.ApprovalTTLHours)
}

func TestLoadClient_MissingCustomerID(t *testing.T) {
	path := writeClientYAML(t, "cache:\n  ttl_seconds: 60\n")

	_, err := LoadClient(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "customer_id is required")
}

func TestLoadClient_UnknownKeyRejected(t *testing.T) {
	path := writeClientYAML(t, "customer_id: 1\nrate_limitz:\n  execute_per_min: 3\n")

	_, err := LoadClient(path)
	assert.Error(t, err, "typo'd keys must fail loudly")
}

func TestLoadClient_InvalidValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"bad mode", "customer_id: 1\nexecution:\n  mode_default: YOLO\n", "mode_default"},
		{"batch cap over 100", "customer_id: 1\nexecution:\n  batch_cap: 500\n", "batch_cap"},
		{"negative cooldown", "customer_id: 1\nguardrails:\n  default_cooldown_days: -1\n", "default_cooldown_days"},
		{"confidence out of range", "customer_id: 1\nguardrails:\n  high_risk_confidence_floor: 1.5\n", "high_risk_confidence_floor"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeClientYAML(t, tc.yaml)
			_, err := LoadClient(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
