package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/ecglink/internal/api"
	"github.com/srg/ecglink/internal/connection"
	"github.com/srg/ecglink/internal/scan"
	"github.com/srg/ecglink/internal/simulator"
	"github.com/srg/ecglink/internal/stream"
	"github.com/srg/ecglink/internal/tracking"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "ECGLINK_"

// Config holds application configuration
type Config struct {
	LogLevel  string          `default:"info" toml:"log_level" yaml:"log_level"`
	BLE       BLEConfig       `toml:"ble" yaml:"ble"`
	Tracking  TrackingConfig  `toml:"tracking" yaml:"tracking"`
	Backend   BackendConfig   `toml:"backend" yaml:"backend"`
	Simulator SimulatorConfig `toml:"simulator" yaml:"simulator"`
}

// BLEConfig covers discovery and provisioning of the sensor
type BLEConfig struct {
	ScanWindow     time.Duration `default:"10s" toml:"scan_window" yaml:"scan_window"`
	ConnectTimeout time.Duration `default:"30s" toml:"connect_timeout" yaml:"connect_timeout"`
	// Reported to the backend on success. The peripheral address is used when empty.
	DeviceID string `toml:"device_id" yaml:"device_id"`
}

type TrackingConfig struct {
	Target         time.Duration `default:"300s" toml:"target" yaml:"target"`
	PollInterval   time.Duration `default:"20s" toml:"poll_interval" yaml:"poll_interval"`
	BufferCapacity int           `default:"7000" toml:"buffer_capacity" yaml:"buffer_capacity"`
}

type BackendConfig struct {
	BaseURL   string        `default:"http://192.168.7.85:8000/" toml:"base_url" yaml:"base_url"`
	StreamURL string        `default:"ws://192.168.7.85:8000/ws" toml:"stream_url" yaml:"stream_url"`
	Timeout   time.Duration `default:"15s" toml:"timeout" yaml:"timeout"`
}

// SimulatorConfig is only read by ecgsim
type SimulatorConfig struct {
	Listen        string        `default:":8000" toml:"listen" yaml:"listen"`
	Interval      time.Duration `default:"250ms" toml:"interval" yaml:"interval"`
	BatchSize     int           `default:"125" toml:"batch_size" yaml:"batch_size"`
	SessionLength time.Duration `default:"300s" toml:"session_length" yaml:"session_length"`
	TimeScale     float64       `default:"1" toml:"time_scale" yaml:"time_scale"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	defaults.SetDefaults(&cfg.BLE)
	defaults.SetDefaults(&cfg.Tracking)
	defaults.SetDefaults(&cfg.Backend)
	defaults.SetDefaults(&cfg.Simulator)
	return cfg
}

// Load reads a YAML or TOML file over the defaults, then applies environment overrides.
// An empty path or a missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.Decode(string(data), c); err != nil {
			return fmt.Errorf("decode TOML: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("decode YAML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", ext)
	}
	return nil
}

// ApplyEnvOverrides reads ECGLINK_LOG_LEVEL, ECGLINK_DEVICE_ID, ECGLINK_BASE_URL and ECGLINK_STREAM_URL
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(EnvPrefix + "DEVICE_ID"); v != "" {
		c.BLE.DeviceID = v
	}
	if v := os.Getenv(EnvPrefix + "BASE_URL"); v != "" {
		c.Backend.BaseURL = v
	}
	if v := os.Getenv(EnvPrefix + "STREAM_URL"); v != "" {
		c.Backend.StreamURL = v
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}

	positive := map[string]time.Duration{
		"ble.scan_window":        c.BLE.ScanWindow,
		"ble.connect_timeout":    c.BLE.ConnectTimeout,
		"tracking.target":        c.Tracking.Target,
		"tracking.poll_interval": c.Tracking.PollInterval,
		"backend.timeout":        c.Backend.Timeout,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.Tracking.PollInterval >= c.Tracking.Target {
		return fmt.Errorf("tracking.poll_interval (%s) must be shorter than tracking.target (%s)",
			c.Tracking.PollInterval, c.Tracking.Target)
	}
	if c.Tracking.BufferCapacity <= 0 {
		return fmt.Errorf("tracking.buffer_capacity must be positive, got %d", c.Tracking.BufferCapacity)
	}

	if err := checkURL("backend.base_url", c.Backend.BaseURL, "http", "https"); err != nil {
		return err
	}
	return checkURL("backend.stream_url", c.Backend.StreamURL, "ws", "wss")
}

func checkURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s: expected a %s URL, got %q", name, strings.Join(schemes, "/"), raw)
}

// ParseLogLevel accepts logrus level names; an empty string means info
func ParseLogLevel(s string) (logrus.Level, error) {
	if s == "" {
		return logrus.InfoLevel, nil
	}
	level, err := logrus.ParseLevel(s)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := ParseLogLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// ----------------------------
// Component options
// ----------------------------

func (c *Config) ScanOptions() *scan.Options {
	opts := scan.DefaultOptions()
	opts.Window = c.BLE.ScanWindow
	return opts
}

func (c *Config) SessionOptions() *connection.Options {
	opts := connection.DefaultOptions()
	opts.ConnectTimeout = c.BLE.ConnectTimeout
	opts.DeviceID = c.BLE.DeviceID
	return opts
}

func (c *Config) TrackingOptions() *tracking.Options {
	opts := tracking.DefaultOptions()
	opts.Target = c.Tracking.Target
	opts.PollInterval = c.Tracking.PollInterval
	opts.DeviceID = c.BLE.DeviceID
	return opts
}

func (c *Config) APIOptions() *api.Options {
	opts := api.DefaultOptions()
	opts.BaseURL = c.Backend.BaseURL
	opts.Timeout = c.Backend.Timeout
	return opts
}

func (c *Config) StreamOptions() *stream.Options {
	opts := stream.DefaultOptions()
	opts.URL = c.Backend.StreamURL
	return opts
}

func (c *Config) SimulatorOptions() *simulator.Options {
	opts := simulator.DefaultOptions()
	opts.Interval = c.Simulator.Interval
	opts.BatchSize = c.Simulator.BatchSize
	opts.SessionLength = c.Simulator.SessionLength
	opts.TimeScale = c.Simulator.TimeScale
	return opts
}
