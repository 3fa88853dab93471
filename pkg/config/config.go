package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blip/internal/bledb"
	"github.com/srg/blip/internal/host"
	"github.com/srg/blip/internal/lease"
	"github.com/srg/blip/internal/profile"
	"github.com/srg/blip/internal/relay"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel    string            `yaml:"log_level" json:"log_level" default:"info"`
	Advertising AdvertisingConfig `yaml:"advertising" json:"advertising"`
	Relay       RelayConfig       `yaml:"relay" json:"relay"`
	Session     SessionConfig     `yaml:"session" json:"session"`
	DeviceInfo  DeviceInfoConfig  `yaml:"device_info" json:"device_info"`

	// Services replaces the default GATT application when not empty
	Services []profile.Service `yaml:"services,omitempty" json:"services,omitempty"`
}

// AdvertisingConfig describes the LE advertisement
type AdvertisingConfig struct {
	LocalName        string        `yaml:"local_name" json:"local_name" default:"blip"`
	ServiceUUIDs     []string      `yaml:"service_uuids" json:"service_uuids"`
	ManufacturerID   uint16        `yaml:"manufacturer_id" json:"manufacturer_id" default:"61453"`
	ManufacturerData HexBytes      `yaml:"manufacturer_data" json:"manufacturer_data"`
	Discoverable     bool          `yaml:"discoverable" json:"discoverable" default:"true"`
	Appearance       uint16        `yaml:"appearance" json:"appearance" default:"964"`
	Duration         time.Duration `yaml:"duration" json:"duration" default:"120s"`
}

// RelayConfig configures the relay engine
type RelayConfig struct {
	Characteristic  string        `yaml:"characteristic" json:"characteristic" default:"00000000-0000-0000-000f-00dc0de00001"`
	Transform       string        `yaml:"transform" json:"transform" default:"decrement"`
	TransformScript string        `yaml:"transform_script,omitempty" json:"transform_script,omitempty"`
	InitialPayload  HexBytes      `yaml:"initial_payload,omitempty" json:"initial_payload,omitempty"`
	TickInterval    time.Duration `yaml:"tick_interval" json:"tick_interval"`
	JournalSize     uint32        `yaml:"journal_size" json:"journal_size" default:"64"`
	PipeCapacity    int           `yaml:"pipe_capacity" json:"pipe_capacity" default:"16384"`
}

// SessionConfig configures the session lifecycle
type SessionConfig struct {
	GracePeriod time.Duration `yaml:"grace_period" json:"grace_period" default:"1s"`
	StopOnEnter bool          `yaml:"stop_on_enter" json:"stop_on_enter" default:"true"`
}

// DeviceInfoConfig holds the values served by the Device Information service
type DeviceInfoConfig struct {
	ModelNumber      string `yaml:"model_number" json:"model_number" default:"blip-1"`
	SerialNumber     string `yaml:"serial_number" json:"serial_number" default:"0001"`
	FirmwareRevision string `yaml:"firmware_revision" json:"firmware_revision" default:"1.0.0"`
	HardwareRevision string `yaml:"hardware_revision" json:"hardware_revision" default:"1.0"`
	SoftwareRevision string `yaml:"software_revision" json:"software_revision" default:"1.0.0"`
	Manufacturer     string `yaml:"manufacturer" json:"manufacturer" default:"blip"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.Advertising.ServiceUUIDs = []string{profile.RelayServiceUUID, "1812"}
	cfg.Advertising.ManufacturerData = HexBytes{0x21, 0x22, 0x23, 0x24}
	return cfg
}

// Load reads a YAML configuration file on top of the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(content, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the session cannot run with
func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.Advertising.Duration < 0 {
		return fmt.Errorf("advertising duration must not be negative, got %s", c.Advertising.Duration)
	}
	if c.Relay.TickInterval < 0 {
		return fmt.Errorf("tick interval must not be negative, got %s", c.Relay.TickInterval)
	}
	for _, u := range c.Advertising.ServiceUUIDs {
		if err := profile.ValidateUUID(u); err != nil {
			return fmt.Errorf("advertising: %w", err)
		}
	}
	if c.Relay.TransformScript == "" && !c.LuaTransform() {
		if _, err := relay.BuiltinTransform(c.Relay.Transform); err != nil {
			return err
		}
	}

	app, err := c.Application()
	if err != nil {
		return err
	}
	return app.ValidateRelay(c.Relay.Characteristic)
}

// LuaTransform reports whether ticks run through a Lua script; without TransformScript the
// embedded default script is used
func (c *Config) LuaTransform() bool {
	return c.Relay.TransformScript != "" || strings.EqualFold(c.Relay.Transform, "lua")
}

// Level parses LogLevel
func (c *Config) Level() (logrus.Level, error) {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return logrus.DebugLevel, nil
	case "", "info":
		return logrus.InfoLevel, nil
	case "warn":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	level, err := c.Level()
	logger := logrus.New()
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	if err != nil {
		logger.WithError(err).Warn("Falling back to info level")
	}
	return logger
}

// AdvertiseConfig returns the advertisement the lease manager starts
func (c *Config) AdvertiseConfig() *host.AdvertiseConfig {
	return &host.AdvertiseConfig{
		ServiceUUIDs:     append([]string(nil), c.Advertising.ServiceUUIDs...),
		ManufacturerID:   c.Advertising.ManufacturerID,
		ManufacturerData: append([]byte(nil), c.Advertising.ManufacturerData...),
		Discoverable:     c.Advertising.Discoverable,
		Appearance:       c.Advertising.Appearance,
		LeaseDuration:    c.Advertising.Duration,
		LocalName:        c.Advertising.LocalName,
	}
}

// Application returns the GATT application: the configured services, or the default set
func (c *Config) Application() (*profile.Application, error) {
	if len(c.Services) == 0 {
		return profile.Default(), nil
	}
	return profile.NewBuilder().WithServices(c.Services...).Build()
}

// ReadValues returns the static values served by the Device Information characteristics
func (c *Config) ReadValues() map[string][]byte {
	values := map[string]string{
		"2a24": c.DeviceInfo.ModelNumber,
		"2a25": c.DeviceInfo.SerialNumber,
		"2a26": c.DeviceInfo.FirmwareRevision,
		"2a27": c.DeviceInfo.HardwareRevision,
		"2a28": c.DeviceInfo.SoftwareRevision,
		"2a29": c.DeviceInfo.Manufacturer,
	}
	out := make(map[string][]byte, len(values))
	for uuid, v := range values {
		out[bledb.NormalizeUUID(uuid)] = []byte(v)
	}
	return out
}

// ClampedDuration returns the advertising duration the lease will actually use
func (c *Config) ClampedDuration() time.Duration {
	if c.Advertising.Duration > lease.MaxDuration {
		return lease.MaxDuration
	}
	return c.Advertising.Duration
}

// HexBytes is a byte string written as hex in configuration files ("21222324", "21:22:23:24")
type HexBytes []byte

// ParseHexBytes decodes hex, ignoring a 0x prefix and ':', ' ' or '-' separators
func ParseHexBytes(s string) (HexBytes, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.NewReplacer(":", "", " ", "", "-", "").Replace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex bytes %q: %w", s, err)
	}
	return b, nil
}

// String renders the bytes as lowercase hex
func (h HexBytes) String() string {
	return hex.EncodeToString(h)
}

// UnmarshalYAML implements yaml.Unmarshaler
func (h *HexBytes) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	b, err := ParseHexBytes(s)
	if err != nil {
		return err
	}
	*h = b
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (h HexBytes) MarshalYAML() (interface{}, error) {
	return h.String(), nil
}

// MarshalText implements encoding.TextMarshaler so JSON output shows hex too
func (h HexBytes) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}
