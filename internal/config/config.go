package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all tunables for a market update cycle.
// Values come from defaults, then config.yaml, then environment variables.
type Config struct {
	StructureID int64 `yaml:"structure_id"`
	RegionID    int32 `yaml:"region_id"`

	DoctrineTarget     int `yaml:"doctrine_target"`
	HistoryLookback    int `yaml:"history_lookback_days"`
	HistoryConcurrency int `yaml:"history_concurrency"`

	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
	MaxRetriesPerPage     int `yaml:"max_retries_per_page"`
	RetryBackoffSeconds   int `yaml:"retry_backoff_seconds"`

	// FreshHistory controls whether a cycle refetches history from ESI or
	// reuses the rows already in the store.
	FreshHistory bool `yaml:"fresh_history"`

	DatabasePath string `yaml:"database_path"`
	FitDBPath    string `yaml:"fitdb_path"`
	OutputDir    string `yaml:"output_dir"`
	UserAgent    string `yaml:"user_agent"`

	// ESI SSO credentials for the stored-token refresh flow.
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// MaxHistoryConcurrency caps parallel history requests; more risks the ESI
// error budget.
const MaxHistoryConcurrency = 16

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		RegionID:              10000003,
		DoctrineTarget:        20,
		HistoryLookback:       30,
		HistoryConcurrency:    8,
		RequestTimeoutSeconds: 10,
		MaxRetriesPerPage:     5,
		RetryBackoffSeconds:   3,
		FreshHistory:          false,
		DatabasePath:          "market_orders.sqlite",
		FitDBPath:             "fittings.sqlite",
		OutputDir:             "output/latest",
		UserAgent:             "hubstock/1.0 (structure market monitor)",
	}
}

// Load builds the effective config: defaults, overlaid with config.yaml (if
// present at path), overlaid with environment variables. A .env file in the
// working directory is loaded first so env overrides work the same way in
// development and deployment.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("HUBSTOCK_STRUCTURE_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.StructureID = n
		}
	}
	if v := os.Getenv("HUBSTOCK_REGION_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			c.RegionID = int32(n)
		}
	}
	if v := os.Getenv("HUBSTOCK_DB_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("HUBSTOCK_FITDB_PATH"); v != "" {
		c.FitDBPath = v
	}
	if v := os.Getenv("HUBSTOCK_OUTPUT_DIR"); v != "" {
		c.OutputDir = v
	}
	if v := os.Getenv("ESI_CLIENT_ID"); v != "" {
		c.ClientID = v
	}
	if v := os.Getenv("ESI_CLIENT_SECRET"); v != "" {
		c.ClientSecret = v
	}
	if v := os.Getenv("HUBSTOCK_USER_AGENT"); v != "" {
		c.UserAgent = v
	}
}

// Validate checks ranges that would otherwise fail deep inside a cycle.
func (c *Config) Validate() error {
	if c.StructureID <= 0 {
		return fmt.Errorf("structure_id must be set (got %d)", c.StructureID)
	}
	if c.RegionID <= 0 {
		return fmt.Errorf("region_id must be set (got %d)", c.RegionID)
	}
	if c.HistoryConcurrency < 1 {
		c.HistoryConcurrency = 1
	}
	if c.HistoryConcurrency > MaxHistoryConcurrency {
		return fmt.Errorf("history_concurrency %d exceeds max %d", c.HistoryConcurrency, MaxHistoryConcurrency)
	}
	if c.HistoryLookback <= 0 {
		return fmt.Errorf("history_lookback_days must be positive (got %d)", c.HistoryLookback)
	}
	if c.RequestTimeoutSeconds <= 0 {
		c.RequestTimeoutSeconds = 10
	}
	if c.MaxRetriesPerPage < 0 {
		c.MaxRetriesPerPage = 0
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user_agent is mandatory for ESI requests")
	}
	return nil
}
