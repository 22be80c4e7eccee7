// Package config loads the bridge configuration: cloud settings, the
// HTTP API port, the push channel, and the per-device fleet.
package config

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"devicebridge/internal/devices"
	"devicebridge/internal/transport"
)

// Duration wraps time.Duration for YAML fields written as "300ms" or
// "5s".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// CloudConfig configures the vendor cloud API client.
type CloudConfig struct {
	BaseURL     string   `yaml:"base_url"`
	MaxAttempts int      `yaml:"max_attempts"`
	RetryDelay  Duration `yaml:"retry_delay"`
	Timeout     Duration `yaml:"timeout"`
	Disabled    bool     `yaml:"disabled"`
}

// APIConfig configures the HTTP API server.
type APIConfig struct {
	Port int `yaml:"port"`
}

// PushConfig configures the vendor WebSocket push channel. An empty
// URL disables it; webhooks over the HTTP API still work.
type PushConfig struct {
	URL string `yaml:"url"`
}

// RadioConfig configures the serial-attached radio dongle. An empty
// port disables the local transport; hybrid devices then always fall
// back to cloud.
type RadioConfig struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

// DeviceConfig is one fleet entry.
type DeviceConfig struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Type      string `yaml:"type"`
	Address   string `yaml:"address"`
	Model     string `yaml:"model"`
	Transport string `yaml:"transport"`
	Offline   bool   `yaml:"offline"`

	PollInterval   Duration `yaml:"poll_interval"`
	DebounceWindow Duration `yaml:"debounce_window"`
	ScanDuration   Duration `yaml:"scan_duration"`
	RetryDelay     Duration `yaml:"retry_delay"`
	FollowUpDelay  Duration `yaml:"follow_up_delay"`
	MaxRetries     int      `yaml:"max_retries"`

	LowBatteryThreshold int  `yaml:"low_battery_threshold"`
	HideLightSensor     bool `yaml:"hide_light_sensor"`
}

// Config is the full devices.yaml structure.
type Config struct {
	Cloud     CloudConfig    `yaml:"cloud"`
	API       APIConfig      `yaml:"api"`
	Push      PushConfig     `yaml:"push"`
	Radio     RadioConfig    `yaml:"radio"`
	StorePath string         `yaml:"store_path"`
	Devices   []DeviceConfig `yaml:"devices"`
}

const (
	defaultAPIPort   = 8081
	defaultStorePath = "devicebridge.db"
	defaultBaudRate  = 115200
)

// Load reads and validates the configuration file.
func Load(path string, logger *zap.Logger) (*Config, error) {
	logger.Debug("Loading configuration", zap.String("path", path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	logger.Info("Configuration loaded",
		zap.Int("devices", len(cfg.Devices)),
		zap.Int("api_port", cfg.API.Port))
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.API.Port == 0 {
		c.API.Port = defaultAPIPort
	}
	if c.StorePath == "" {
		c.StorePath = defaultStorePath
	}
	if c.Radio.Baud == 0 {
		c.Radio.Baud = defaultBaudRate
	}
}

func (c *Config) validate() error {
	if len(c.Devices) == 0 {
		return fmt.Errorf("no devices configured")
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.ID == "" {
			return fmt.Errorf("device %d: id required", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("duplicate device id %q", d.ID)
		}
		seen[d.ID] = true

		if _, err := devices.ProfileFor(devices.Type(d.Type), devices.Options{}); err != nil {
			return fmt.Errorf("device %s: %w", d.ID, err)
		}
		mode, err := transport.ParseMode(d.Transport)
		if err != nil {
			return fmt.Errorf("device %s: %w", d.ID, err)
		}
		if mode != transport.CloudOnly && d.Address == "" {
			return fmt.Errorf("device %s: radio address required for %s transport", d.ID, mode)
		}
	}

	cloudNeeded := c.cloudNeeded()
	if cloudNeeded && c.Cloud.BaseURL == "" {
		return fmt.Errorf("cloud.base_url required: at least one device uses the cloud transport")
	}
	return nil
}

// cloudNeeded reports whether any device can route over the cloud.
func (c *Config) cloudNeeded() bool {
	for _, d := range c.Devices {
		mode, err := transport.ParseMode(d.Transport)
		if err != nil {
			continue
		}
		if mode == transport.CloudOnly || mode == transport.Hybrid {
			return true
		}
	}
	return false
}

// Mode returns the parsed transport mode for a device entry. validate
// has already rejected unknown spellings.
func (d DeviceConfig) Mode() transport.Mode {
	mode, _ := transport.ParseMode(d.Transport)
	return mode
}
