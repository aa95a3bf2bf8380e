// config.go - Configuration management for the exchange daemon
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config represents the exchange daemon configuration
type Config struct {
	// Service settings
	ListenAddr    string  `json:"listen_addr"`
	Denominations []uint8 `json:"denominations"`

	// File paths
	KeyDir       string `json:"key_dir"`
	AccountsPath string `json:"accounts_path"`

	// Spent set sizing
	SpentCapacity uint64  `json:"spent_capacity"`
	SpentFPRate   float64 `json:"spent_fp_rate"`

	// Issuance
	SessionTTLSeconds int `json:"session_ttl_seconds"`

	// Logging
	LogLevel string `json:"log_level"`
	LogFile  string `json:"log_file"`

	// Performance
	MaxConcurrency int `json:"max_concurrency"`
	TimeoutSeconds int `json:"timeout_seconds"`

	// Rate limiting, per calling account or publisher
	RateLimitBurst         int `json:"rate_limit_burst"`
	RateLimitRefill        int `json:"rate_limit_refill"`
	RateLimitPeriodSeconds int `json:"rate_limit_period_seconds"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:             ":8384",
		Denominations:          []uint8{4, 6, 8},
		KeyDir:                 "keys",
		AccountsPath:           "accounts.json",
		SpentCapacity:          1 << 22,
		SpentFPRate:            1e-4,
		SessionTTLSeconds:      120,
		LogLevel:               "info",
		LogFile:                "exchanged.log",
		MaxConcurrency:         4,
		TimeoutSeconds:         30,
		RateLimitBurst:         50,
		RateLimitRefill:        10,
		RateLimitPeriodSeconds: 1,
	}
}

// LoadConfig loads configuration from file or creates default
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); err == nil {
		file, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer file.Close()

		var config Config
		if err := json.NewDecoder(file).Decode(&config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}

		return &config, nil
	}

	// Create default config and save it
	config := DefaultConfig()
	if err := SaveConfig(config, configPath); err != nil {
		return nil, fmt.Errorf("failed to save default config: %w", err)
	}

	return config, nil
}

// SaveConfig saves configuration to file
func SaveConfig(config *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must be set")
	}
	if len(c.Denominations) == 0 {
		return fmt.Errorf("at least one denomination must be configured")
	}
	for _, d := range c.Denominations {
		if d == 0 || d > 32 {
			return fmt.Errorf("denomination %d out of range (1..32)", d)
		}
	}
	if c.SpentCapacity == 0 {
		return fmt.Errorf("spent_capacity must be positive")
	}
	if c.SpentFPRate <= 0 || c.SpentFPRate >= 1 {
		return fmt.Errorf("spent_fp_rate must be in (0, 1)")
	}
	if c.SessionTTLSeconds <= 0 {
		return fmt.Errorf("session_ttl_seconds must be positive")
	}
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("max_concurrency must be positive")
	}
	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout_seconds must be positive")
	}
	if c.RateLimitBurst <= 0 || c.RateLimitRefill <= 0 || c.RateLimitPeriodSeconds <= 0 {
		return fmt.Errorf("rate limit settings must be positive")
	}
	return nil
}
