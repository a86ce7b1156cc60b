// Package config provides configuration loading and management for callkit.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Load loads configuration from a file path
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	// If path is empty, search for default config files
	if path == "" {
		for _, p := range ConfigPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	// If no config file found, warn and return defaults
	if path == "" {
		log.Printf("Warning: No configuration file found in default locations")
		for _, p := range ConfigPaths() {
			log.Printf("  - %s", p)
		}
		log.Printf("Using default configuration")
		if err := applyEnvOverrides(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadOrDie loads configuration or exits on error
func LoadOrDie(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) error {
	// Signaling overrides
	if v := os.Getenv("CALLKIT_SIGNALING_URL"); v != "" {
		cfg.Signaling.BaseURL = v
	}
	if v := os.Getenv("CALLKIT_TOKEN"); v != "" {
		cfg.Signaling.Token = v
	}
	if v := os.Getenv("CALLKIT_USER_ID"); v != "" {
		cfg.Signaling.UserID = v
	}
	if v := os.Getenv("CALLKIT_REQUEST_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CALLKIT_REQUEST_TIMEOUT: %w", err)
		}
		cfg.Signaling.RequestTimeout = Duration(d)
	}

	// Poller overrides
	if v := os.Getenv("CALLKIT_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CALLKIT_POLL_INTERVAL: %w", err)
		}
		cfg.Poller.BaseInterval = Duration(d)
	}

	// Media overrides
	if v := os.Getenv("CALLKIT_MEDIA_URL"); v != "" {
		cfg.Media.URL = v
	}
	if v := os.Getenv("CALLKIT_CAMERA"); v != "" {
		cfg.Media.CameraID = v
	}
	if v := os.Getenv("CALLKIT_MICROPHONE"); v != "" {
		cfg.Media.MicrophoneID = v
	}

	// State overrides
	if v := os.Getenv("CALLKIT_STATE_DB"); v != "" {
		cfg.State.DBPath = v
	}

	// Logging overrides
	if v := os.Getenv("CALLKIT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CALLKIT_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("CALLKIT_LOG_OUTPUT"); v != "" {
		cfg.Logging.Output = v
	}

	return nil
}

// Save saves the configuration to a file
func Save(cfg *Config, path string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("cannot save invalid configuration: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Normalize paths for TOML compatibility (forward slashes on Windows)
	cfgCopy := *cfg
	cfgCopy.State.DBPath = filepath.ToSlash(cfg.State.DBPath)

	data, err := toml.Marshal(&cfgCopy)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GenerateExampleConfig generates an example configuration file
func GenerateExampleConfig(path string) error {
	cfg := DefaultConfig()

	cfg.Signaling.BaseURL = "https://signaling.example.com/v1"
	cfg.Signaling.Token = "change-me"
	cfg.Events.Enabled = true
	cfg.Logging.Level = "info"

	return Save(cfg, path)
}
