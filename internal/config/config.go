package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main Firefly Desk configuration
type Config struct {
	// Executor settings
	Executor ExecutorConfig `json:"executor" mapstructure:"executor"`

	// Catalog source
	Catalog CatalogConfig `json:"catalog" mapstructure:"catalog"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Audit trail
	Audit AuditConfig `json:"audit" mapstructure:"audit"`

	// Metrics endpoint
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ExecutorConfig holds tool execution settings
type ExecutorConfig struct {
	MaxParallel           int `json:"max_parallel" mapstructure:"max_parallel"`
	DefaultTimeoutSeconds int `json:"default_timeout_seconds" mapstructure:"default_timeout_seconds"`

	// TokenTimeoutSeconds bounds OAuth2 token-exchange requests
	TokenTimeoutSeconds int `json:"token_timeout_seconds" mapstructure:"token_timeout_seconds"`
}

// CatalogConfig points at the system/endpoint catalog
type CatalogConfig struct {
	File string `json:"file" mapstructure:"file"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// AuditConfig holds audit trail settings
type AuditConfig struct {
	File string `json:"file" mapstructure:"file"`
}

// MetricsConfig holds the Prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Listen  string `json:"listen" mapstructure:"listen"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Executor: ExecutorConfig{
			MaxParallel:           5,
			DefaultTimeoutSeconds: 30,
			TokenTimeoutSeconds:   30,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  ":9090",
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
