// Package config provides configuration management: process-level settings
// from environment variables and per-client settings from a YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds process-level application configuration.
type Config struct {
	DataDir       string // Base directory for ledger/approvals databases and logs
	WarehousePath string // Path to the analytical store (read-only)
	ClientConfig  string // Path to the per-client YAML
	LogLevel      string
	LogFile       string // Empty = stdout only
	Port          int
	DevMode       bool

	// Ads platform endpoint. Token may stay empty in DRY_RUN setups.
	AdsAPIURL           string
	AdsAPIToken         string
	AdsAPIRatePerSecond float64

	// S3-compatible backup target. Backup job is disabled unless all three
	// of endpoint/bucket/key are set.
	BackupEndpoint      string
	BackupBucket        string
	BackupAccessKey     string
	BackupSecretKey     string
	BackupRetentionDays int
}

// Load reads configuration from environment variables (.env supported).
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("ADPILOT_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:             absDataDir,
		WarehousePath:       getEnv("ADPILOT_WAREHOUSE_PATH", filepath.Join(absDataDir, "warehouse.db")),
		ClientConfig:        getEnv("ADPILOT_CLIENT_CONFIG", "client.yaml"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogFile:             getEnv("LOG_FILE", ""),
		Port:                getEnvAsInt("PORT", 8040),
		DevMode:             getEnvAsBool("DEV_MODE", false),
		AdsAPIURL:           getEnv("ADPILOT_ADS_API_URL", "https://ads-api.example.com"),
		AdsAPIToken:         getEnv("ADPILOT_ADS_API_TOKEN", ""),
		AdsAPIRatePerSecond: getEnvAsFloat("ADPILOT_ADS_API_RPS", 5),
		BackupEndpoint:      getEnv("BACKUP_S3_ENDPOINT", ""),
		BackupBucket:        getEnv("BACKUP_S3_BUCKET", ""),
		BackupAccessKey:     getEnv("BACKUP_S3_ACCESS_KEY", ""),
		BackupSecretKey:     getEnv("BACKUP_S3_SECRET_KEY", ""),
		BackupRetentionDays: getEnvAsInt("BACKUP_RETENTION_DAYS", 30),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present and coherent.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d: must be in 1..65535", c.Port)
	}
	if c.ClientConfig == "" {
		return fmt.Errorf("ADPILOT_CLIENT_CONFIG must point at the per-client YAML")
	}
	return nil
}

// BackupEnabled reports whether the S3 backup job should be scheduled.
func (c *Config) BackupEnabled() bool {
	return c.BackupEndpoint != "" && c.BackupBucket != "" && c.BackupAccessKey != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
