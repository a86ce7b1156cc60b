package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestDefaultConfig tests the default configuration values
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Signaling.RequestTimeout.Std() != 8*time.Second {
		t.Errorf("RequestTimeout = %v, want 8s", cfg.Signaling.RequestTimeout)
	}
	if cfg.Poller.BaseInterval.Std() != 5*time.Second {
		t.Errorf("BaseInterval = %v, want 5s", cfg.Poller.BaseInterval)
	}
	if cfg.Poller.ThrottleWindow.Std() != 3*time.Second {
		t.Errorf("ThrottleWindow = %v, want 3s", cfg.Poller.ThrottleWindow)
	}
	if cfg.Poller.BackoffCap != 3 {
		t.Errorf("BackoffCap = %v, want 3", cfg.Poller.BackoffCap)
	}
	if cfg.Call.StatusPollInterval.Std() != 2*time.Second {
		t.Errorf("StatusPollInterval = %v, want 2s", cfg.Call.StatusPollInterval)
	}
	if cfg.State.DBPath == "" {
		t.Error("DBPath is empty")
	}
}

// TestValidate tests configuration validation
func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Signaling.BaseURL = "https://signaling.example.com/v1"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing base URL",
			mutate:  func(c *Config) { c.Signaling.BaseURL = "" },
			wantErr: true,
		},
		{
			name:    "non-http base URL",
			mutate:  func(c *Config) { c.Signaling.BaseURL = "ftp://example.com" },
			wantErr: true,
		},
		{
			name:    "zero request timeout",
			mutate:  func(c *Config) { c.Signaling.RequestTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "zero poll interval",
			mutate:  func(c *Config) { c.Poller.BaseInterval = 0 },
			wantErr: true,
		},
		{
			name:    "throttle window above base interval",
			mutate:  func(c *Config) { c.Poller.ThrottleWindow = Duration(10 * time.Second) },
			wantErr: true,
		},
		{
			name:    "backoff cap below one",
			mutate:  func(c *Config) { c.Poller.BackoffCap = 0.5 },
			wantErr: true,
		},
		{
			name:    "events enabled without addr",
			mutate:  func(c *Config) { c.Events.Enabled = true; c.Events.Addr = "" },
			wantErr: true,
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestLoadFromFile tests loading a TOML config file
func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "callkit.toml")

	content := `
[signaling]
base_url = "https://signaling.example.com/v1"
token = "secret-token"
request_timeout = "6s"

[poller]
base_interval = "4s"
throttle_window = "2s"
backoff_cap = 2.5

[media]
camera_id = "cam-front"
microphone_id = "mic-headset"

[logging]
level = "debug"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Signaling.BaseURL != "https://signaling.example.com/v1" {
		t.Errorf("BaseURL = %q", cfg.Signaling.BaseURL)
	}
	if cfg.Signaling.Token != "secret-token" {
		t.Errorf("Token = %q", cfg.Signaling.Token)
	}
	if cfg.Poller.BaseInterval.Std() != 4*time.Second {
		t.Errorf("BaseInterval = %v, want 4s", cfg.Poller.BaseInterval)
	}
	if cfg.Poller.BackoffCap != 2.5 {
		t.Errorf("BackoffCap = %v, want 2.5", cfg.Poller.BackoffCap)
	}
	if cfg.Media.CameraID != "cam-front" {
		t.Errorf("CameraID = %q", cfg.Media.CameraID)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q, want debug", cfg.Logging.Level)
	}

	// Defaults survive for sections not in the file
	if cfg.Call.StatusPollInterval.Std() != 2*time.Second {
		t.Errorf("StatusPollInterval = %v, want default 2s", cfg.Call.StatusPollInterval)
	}
}

// TestEnvOverrides tests environment variable overrides
func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "callkit.toml")

	content := `
[signaling]
base_url = "https://signaling.example.com/v1"
token = "file-token"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("CALLKIT_TOKEN", "env-token")
	t.Setenv("CALLKIT_LOG_LEVEL", "warn")
	t.Setenv("CALLKIT_CAMERA", "cam-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Signaling.Token != "env-token" {
		t.Errorf("Token = %q, want env-token", cfg.Signaling.Token)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Level = %q, want warn", cfg.Logging.Level)
	}
	if cfg.Media.CameraID != "cam-env" {
		t.Errorf("CameraID = %q, want cam-env", cfg.Media.CameraID)
	}
}

// TestSaveRoundTrip tests saving and reloading a config
func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "saved.toml")

	cfg := DefaultConfig()
	cfg.Signaling.BaseURL = "https://signaling.example.com/v1"
	cfg.Signaling.Token = "round-trip"
	cfg.Media.MicrophoneID = "mic-usb"

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if loaded.Signaling.Token != "round-trip" {
		t.Errorf("Token = %q, want round-trip", loaded.Signaling.Token)
	}
	if loaded.Media.MicrophoneID != "mic-usb" {
		t.Errorf("MicrophoneID = %q, want mic-usb", loaded.Media.MicrophoneID)
	}
}

// TestLoadInvalidFile tests that a bad file fails validation
func TestLoadInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")

	content := `
[signaling]
base_url = "not a url"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Load() succeeded on invalid config, want error")
	}
}
