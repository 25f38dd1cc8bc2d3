package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/blesupport/internal/device"
	"github.com/srg/blesupport/internal/gatt"
	"github.com/srg/blesupport/internal/session"
	"github.com/srg/blesupport/internal/tracing"
)

// Config holds application configuration
type Config struct {
	LogLevel     string        `yaml:"log_level" default:"info"`
	ScanTimeout  time.Duration `yaml:"scan_timeout" default:"10s"`
	OutputFormat string        `yaml:"output_format" default:"table"` // table, json

	StaleAfter   time.Duration `yaml:"stale_after" default:"30s"`
	RSSIWindow   int           `yaml:"rssi_window" default:"3"`
	EventBuffer  int           `yaml:"event_buffer" default:"100"`
	StreamBuffer int           `yaml:"stream_buffer" default:"16"`

	ConnectTimeout       time.Duration `yaml:"connect_timeout" default:"30s"`
	DiscoveryDelay       time.Duration `yaml:"discovery_delay" default:"600ms"`
	BondedDiscoveryDelay time.Duration `yaml:"bonded_discovery_delay" default:"1600ms"`
	ConnectAttempts      int           `yaml:"connect_attempts" default:"3"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" default:"5s"`
	DeviceListScan    time.Duration `yaml:"device_list_scan" default:"5s"`

	OplogSize  uint32 `yaml:"oplog_size" default:"512"`
	OplogLevel string `yaml:"oplog_level" default:"info"`

	Tracing tracing.Config `yaml:"tracing"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file %s not found: %w", path, err)
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the components cannot work with.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	if _, err := logrus.ParseLevel(c.OplogLevel); err != nil {
		return fmt.Errorf("invalid oplog_level: %w", err)
	}
	if c.RSSIWindow < 1 {
		return fmt.Errorf("rssi_window must be >= 1, got %d", c.RSSIWindow)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive, got %s", c.ConnectTimeout)
	}
	if c.OplogSize == 0 {
		return fmt.Errorf("oplog_size must be > 0")
	}
	switch c.OutputFormat {
	case "table", "json":
	default:
		return fmt.Errorf("unsupported output_format: %s", c.OutputFormat)
	}
	return nil
}

// Level is the parsed log level; info when unparsable.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// OplogThreshold is the least severe level captured by the operation log.
func (c *Config) OplogThreshold() logrus.Level {
	lvl, err := logrus.ParseLevel(c.OplogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

func (c *Config) RegistryOptions() *device.RegistryOptions {
	return &device.RegistryOptions{
		StaleAfter:   c.StaleAfter,
		RSSIWindow:   c.RSSIWindow,
		EventBuffer:  c.EventBuffer,
		StreamBuffer: c.StreamBuffer,
	}
}

func (c *Config) ManagerOptions() *gatt.Options {
	return &gatt.Options{
		ConnectTimeout:       c.ConnectTimeout,
		DiscoveryDelay:       c.DiscoveryDelay,
		BondedDiscoveryDelay: c.BondedDiscoveryDelay,
		ConnectAttempts:      c.ConnectAttempts,
	}
}

func (c *Config) SessionOptions() *session.Options {
	return &session.Options{
		HeartbeatInterval: c.HeartbeatInterval,
		DeviceListScan:    c.DeviceListScan,
		ConnectAttempts:   c.ConnectAttempts,
	}
}
