// Package config provides configuration management for the callkit client.
// Supports TOML configuration files with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingValue  = errors.New("missing required configuration value")
)

// Duration wraps time.Duration so values like "5s" parse from TOML
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// SignalingConfig holds connection settings for the signaling backend
type SignalingConfig struct {
	// BaseURL is the signaling backend root, e.g. https://api.example.com/v1
	BaseURL string `toml:"base_url" env:"CALLKIT_SIGNALING_URL"`

	// Token is the bearer token presented on every request
	Token string `toml:"token" env:"CALLKIT_TOKEN"`

	// UserID is the local account id, used to filter echoed invitations
	UserID string `toml:"user_id" env:"CALLKIT_USER_ID"`

	// RequestTimeout bounds every signaling request
	RequestTimeout Duration `toml:"request_timeout"`
}

// PollerConfig holds the incoming-call polling parameters
type PollerConfig struct {
	// BaseInterval is the tick cadence before backoff
	BaseInterval Duration `toml:"base_interval"`

	// ThrottleWindow is the minimum spacing between two poll requests,
	// guarding against timer drift
	ThrottleWindow Duration `toml:"throttle_window"`

	// BackoffCap caps the backoff multiplier (effective interval never
	// exceeds BaseInterval * BackoffCap)
	BackoffCap float64 `toml:"backoff_cap"`
}

// CallConfig holds state machine tuning
type CallConfig struct {
	// StatusPollInterval is the cadence of the outgoing-call status loop
	StatusPollInterval Duration `toml:"status_poll_interval"`
}

// MediaConfig holds media engine settings
type MediaConfig struct {
	// URL is the media room endpoint root. Falls back to the signaling
	// base URL when empty.
	URL string `toml:"url" env:"CALLKIT_MEDIA_URL"`

	// ICEServers are STUN/TURN URLs handed to the peer connection
	ICEServers []string `toml:"ice_servers"`

	// CameraID and MicrophoneID preseed the device selection
	CameraID     string `toml:"camera_id" env:"CALLKIT_CAMERA"`
	MicrophoneID string `toml:"microphone_id" env:"CALLKIT_MICROPHONE"`
}

// StateConfig holds local persistence settings
type StateConfig struct {
	// DBPath is the sqlite database holding persisted client state
	DBPath string `toml:"db_path" env:"CALLKIT_STATE_DB"`
}

// EventsConfig holds the local UI event surface settings
type EventsConfig struct {
	// Enabled turns on the local WebSocket event server
	Enabled bool `toml:"enabled"`

	// Addr is the listen address for the event server (localhost only by default)
	Addr string `toml:"addr"`

	// Path is the WebSocket endpoint path
	Path string `toml:"path"`
}

// CuesConfig holds audio cue settings
type CuesConfig struct {
	// Enabled turns ring/dial tones on or off
	Enabled bool `toml:"enabled"`

	// NotifyCommand, when set, is executed (best-effort) on incoming calls
	NotifyCommand string `toml:"notify_command"`

	// PlayerCommand plays raw PCM from stdin. The {rate} token expands
	// to the sample rate.
	PlayerCommand string `toml:"player_command"`
}

// MetricsConfig holds the Prometheus endpoint settings
type MetricsConfig struct {
	// Enabled turns on the /metrics listener
	Enabled bool `toml:"enabled"`

	// Addr is the listen address (localhost only by default)
	Addr string `toml:"addr"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `toml:"level" env:"CALLKIT_LOG_LEVEL"`
	Format string `toml:"format" env:"CALLKIT_LOG_FORMAT"`
	Output string `toml:"output" env:"CALLKIT_LOG_OUTPUT"`
}

// Config holds all callkit configuration
type Config struct {
	Signaling SignalingConfig `toml:"signaling"`
	Poller    PollerConfig    `toml:"poller"`
	Call      CallConfig      `toml:"call"`
	Media     MediaConfig     `toml:"media"`
	State     StateConfig     `toml:"state"`
	Events    EventsConfig    `toml:"events"`
	Cues      CuesConfig      `toml:"cues"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Logging   LoggingConfig   `toml:"logging"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Signaling: SignalingConfig{
			RequestTimeout: Duration(8 * time.Second),
		},
		Poller: PollerConfig{
			BaseInterval:   Duration(5 * time.Second),
			ThrottleWindow: Duration(3 * time.Second),
			BackoffCap:     3,
		},
		Call: CallConfig{
			StatusPollInterval: Duration(2 * time.Second),
		},
		Media: MediaConfig{
			ICEServers: []string{"stun:stun.l.google.com:19302"},
		},
		State: StateConfig{
			DBPath: filepath.Join(home, ".callkit", "state.db"),
		},
		Events: EventsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:8724",
			Path:    "/events",
		},
		Cues: CuesConfig{
			Enabled:       true,
			PlayerCommand: "aplay -q -r {rate} -f S16_LE -c 1 -t raw -",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9104",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// ConfigPaths returns the default locations searched for a config file
func ConfigPaths() []string {
	home, _ := os.UserHomeDir()
	return []string{
		"callkit.toml",
		filepath.Join(home, ".callkit", "config.toml"),
		"/etc/callkit/config.toml",
	}
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.Signaling.BaseURL == "" {
		return fmt.Errorf("%w: signaling.base_url", ErrMissingValue)
	}
	u, err := url.Parse(c.Signaling.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: signaling.base_url must be an http(s) URL", ErrInvalidConfig)
	}

	if c.Signaling.RequestTimeout <= 0 {
		return fmt.Errorf("%w: signaling.request_timeout must be positive", ErrInvalidConfig)
	}

	if c.Poller.BaseInterval <= 0 {
		return fmt.Errorf("%w: poller.base_interval must be positive", ErrInvalidConfig)
	}
	if c.Poller.ThrottleWindow < 0 {
		return fmt.Errorf("%w: poller.throttle_window must not be negative", ErrInvalidConfig)
	}
	if c.Poller.ThrottleWindow >= c.Poller.BaseInterval {
		return fmt.Errorf("%w: poller.throttle_window must be below poller.base_interval", ErrInvalidConfig)
	}
	if c.Poller.BackoffCap < 1 {
		return fmt.Errorf("%w: poller.backoff_cap must be at least 1", ErrInvalidConfig)
	}

	if c.Call.StatusPollInterval <= 0 {
		return fmt.Errorf("%w: call.status_poll_interval must be positive", ErrInvalidConfig)
	}

	if c.State.DBPath == "" {
		return fmt.Errorf("%w: state.db_path", ErrMissingValue)
	}

	if c.Events.Enabled {
		if c.Events.Addr == "" {
			return fmt.Errorf("%w: events.addr", ErrMissingValue)
		}
		if c.Events.Path == "" {
			return fmt.Errorf("%w: events.path", ErrMissingValue)
		}
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("%w: metrics.addr", ErrMissingValue)
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: logging.level %q", ErrInvalidConfig, c.Logging.Level)
	}

	return nil
}
