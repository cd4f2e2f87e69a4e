package config

import (
	"fmt"
	"net"
	"strings"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateLogLevel validates a log level name
func (v *Validator) ValidateLogLevel(level string) error {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("invalid log level %q (expected debug, info, warn or error)", level)
}

// ValidateMaxParallel validates the executor concurrency limit
func (v *Validator) ValidateMaxParallel(maxParallel int) error {
	if maxParallel < 1 {
		return fmt.Errorf("max_parallel must be at least 1, got %d", maxParallel)
	}
	if maxParallel > 100 {
		return fmt.Errorf("max_parallel must be at most 100, got %d", maxParallel)
	}
	return nil
}

// ValidateListenAddr validates a host:port listen address
func (v *Validator) ValidateListenAddr(addr string) error {
	if addr == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	return nil
}

// ValidateConfig validates the complete configuration
func (v *Validator) ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		return err
	}
	if err := v.ValidateMaxParallel(cfg.Executor.MaxParallel); err != nil {
		return err
	}
	if cfg.Executor.DefaultTimeoutSeconds < 1 {
		return fmt.Errorf("default_timeout_seconds must be at least 1, got %d", cfg.Executor.DefaultTimeoutSeconds)
	}
	if cfg.Executor.TokenTimeoutSeconds < 1 {
		return fmt.Errorf("token_timeout_seconds must be at least 1, got %d", cfg.Executor.TokenTimeoutSeconds)
	}
	if cfg.Metrics.Enabled {
		if err := v.ValidateListenAddr(cfg.Metrics.Listen); err != nil {
			return err
		}
	}

	return nil
}
