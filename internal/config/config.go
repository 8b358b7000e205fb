package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	BLE      BLEConfig     `yaml:"ble"`
	Monitor  MonitorConfig `yaml:"monitor"`
	OTA      OTAConfig     `yaml:"ota"`
	Backend  BackendConfig `yaml:"backend"`
	Relay    RelayConfig   `yaml:"relay"`
	Mesh     MeshConfig    `yaml:"mesh"`
	Store    StoreConfig   `yaml:"store"`
	Journal  JournalConfig `yaml:"journal"`
	API      APIConfig     `yaml:"api"`
	LogLevel string        `yaml:"log_level"`
}

// BLEConfig selects the radio backend and session timings.
type BLEConfig struct {
	Backend              string        `yaml:"backend"` // "tinygo" or "bluez"
	Adapter              string        `yaml:"adapter"` // BlueZ adapter name, e.g. hci0
	NamePrefix           string        `yaml:"name_prefix"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	DiscoveryWindow      time.Duration `yaml:"discovery_window"`
}

// MonitorConfig tunes automatic switching to a stronger sensor.
type MonitorConfig struct {
	Interval       time.Duration `yaml:"interval"`
	GoodRSSI       int           `yaml:"good_rssi"`
	DegradedRSSI   int           `yaml:"degraded_rssi"`
	MinImprovement int           `yaml:"min_improvement"`
	Cooldown       time.Duration `yaml:"cooldown"`
	ScanWindow     time.Duration `yaml:"scan_window"`
}

// OTAConfig tunes firmware transfers.
type OTAConfig struct {
	StartDelay    time.Duration `yaml:"start_delay"`
	NoResponseMTU int           `yaml:"no_response_mtu"`
}

// BackendConfig points at the AirScale web backend.
type BackendConfig struct {
	URL        string        `yaml:"url"`
	Token      string        `yaml:"token"`
	UserID     string        `yaml:"user_id"`
	DeviceType string        `yaml:"device_type"`
	Timeout    time.Duration `yaml:"timeout"`
}

// RelayConfig throttles uploads.
type RelayConfig struct {
	UploadInterval   time.Duration `yaml:"upload_interval"`
	CoefficientDelay time.Duration `yaml:"coefficient_delay"`
}

// MeshConfig sets the topology heartbeat.
type MeshConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// StoreConfig locates the local state database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// JournalConfig controls the local reading history.
type JournalConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// APIConfig controls the local HTTP API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "airscale-bridge")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultBLEBackend is "bluez" on Linux, where tinygo cannot write with
// response, and "tinygo" elsewhere.
func DefaultBLEBackend() string {
	if runtime.GOOS == "linux" {
		return "bluez"
	}
	return "tinygo"
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".local", "share", "airscale-bridge")

	return &Config{
		BLE: BLEConfig{
			Backend:              DefaultBLEBackend(),
			Adapter:              "hci0",
			NamePrefix:           "AirScale",
			ConnectTimeout:       15 * time.Second,
			MaxReconnectAttempts: 3,
			ReconnectDelay:       2 * time.Second,
			DiscoveryWindow:      10 * time.Second,
		},
		Monitor: MonitorConfig{
			Interval:       60 * time.Second,
			GoodRSSI:       -70,
			DegradedRSSI:   -80,
			MinImprovement: 25,
			Cooldown:       2 * time.Minute,
			ScanWindow:     5 * time.Second,
		},
		OTA: OTAConfig{
			StartDelay:    100 * time.Millisecond,
			NoResponseMTU: 250,
		},
		Backend: BackendConfig{
			URL:        "http://localhost:8000",
			DeviceType: "ESP32",
			Timeout:    30 * time.Second,
		},
		Relay: RelayConfig{
			UploadInterval:   30 * time.Second,
			CoefficientDelay: 200 * time.Millisecond,
		},
		Mesh: MeshConfig{
			HeartbeatInterval: 60 * time.Second,
		},
		Store: StoreConfig{
			Path: filepath.Join(dataDir, "bridge.db"),
		},
		Journal: JournalConfig{
			Enabled:   true,
			Path:      filepath.Join(dataDir, "readings.db"),
			Retention: 7 * 24 * time.Hour,
		},
		API: APIConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8787",
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in file paths is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Store.Path = expandTilde(cfg.Store.Path)
	cfg.Journal.Path = expandTilde(cfg.Journal.Path)

	return cfg, nil
}

// defaultHeader starts every generated config file.
const defaultHeader = `# airscale-bridge configuration
# Durations use Go syntax: 500ms, 30s, 2m, 168h.
# ble.backend is "bluez" (Linux, talks to bluetoothd over D-Bus) or "tinygo"
# (macOS and Windows; on Linux its writes go unacknowledged).

`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// ("", nil) without touching anything when a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o600); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.BLE.Backend {
	case "tinygo":
	case "bluez":
		if c.BLE.Adapter == "" {
			return fmt.Errorf("ble.adapter must not be empty with the bluez backend")
		}
	default:
		return fmt.Errorf("ble.backend must be \"tinygo\" or \"bluez\", got %q", c.BLE.Backend)
	}

	if c.BLE.NamePrefix == "" {
		return fmt.Errorf("ble.name_prefix must not be empty")
	}

	if c.BLE.ConnectTimeout <= 0 {
		return fmt.Errorf("ble.connect_timeout must be > 0")
	}

	if c.BLE.MaxReconnectAttempts < 0 {
		return fmt.Errorf("ble.max_reconnect_attempts must be >= 0")
	}

	if c.Monitor.DegradedRSSI > c.Monitor.GoodRSSI {
		return fmt.Errorf("monitor.degraded_rssi (%d) must not exceed monitor.good_rssi (%d)", c.Monitor.DegradedRSSI, c.Monitor.GoodRSSI)
	}

	if c.Monitor.MinImprovement <= 0 {
		return fmt.Errorf("monitor.min_improvement must be > 0")
	}

	if c.Backend.URL != "" {
		u, err := url.Parse(c.Backend.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("backend.url must be an http(s) URL, got %q", c.Backend.URL)
		}
	}

	if c.Relay.UploadInterval <= 0 {
		return fmt.Errorf("relay.upload_interval must be > 0")
	}

	if c.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}

	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("journal.path must not be empty when the journal is enabled")
	}

	if c.API.Enabled && c.API.Addr == "" {
		return fmt.Errorf("api.addr must not be empty when the API is enabled")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ParseLogLevel maps a config log level to a slog level. Unknown values
// fall back to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
