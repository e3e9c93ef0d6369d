// Package config loads the daemon's JSON configuration file. Every field is
// optional; the Get* accessors supply defaults for anything left out.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/zone-irrigation/internal/provision"
	"github.com/banshee-data/zone-irrigation/internal/serialport"
)

// DefaultConfigPath is where the daemon looks when -config is not given.
const DefaultConfigPath = "/etc/irrigation/config.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the root of the configuration file.
type Config struct {
	Site         SiteConfig      `json:"site"`
	ValveCount   *int            `json:"valve_count,omitempty"`
	TickInterval *string         `json:"tick_interval,omitempty"` // duration string like "60s"
	DBPath       *string         `json:"db_path,omitempty"`
	Serial       SerialConfig    `json:"serial"`
	Flow         FlowConfig      `json:"flow"`
	Provision    ProvisionConfig `json:"provision"`
	Influx       InfluxConfig    `json:"influx"`
	MQTT         MQTTConfig      `json:"mqtt"`
}

// SiteConfig names the installation. Both values tag every telemetry point.
type SiteConfig struct {
	Location   string `json:"location,omitempty"`
	Controller string `json:"controller,omitempty"`
}

type SerialConfig struct {
	Device            *string `json:"device,omitempty"`
	DeviceGlob        *string `json:"device_glob,omitempty"`
	BaudRate          *int    `json:"baud_rate,omitempty"`
	ReadTimeout       *string `json:"read_timeout,omitempty"`
	DrainTimeout      *string `json:"drain_timeout,omitempty"`
	DebugPrefix       *string `json:"debug_prefix,omitempty"`
	ResetPause        *string `json:"reset_pause,omitempty"`
	HandshakeAttempts *int    `json:"handshake_attempts,omitempty"`
}

type FlowConfig struct {
	Window      *string  `json:"window,omitempty"`
	ScaleFactor *float64 `json:"scale_factor,omitempty"`
}

// ProvisionConfig holds host commands. An explicitly empty list disables
// the action.
type ProvisionConfig struct {
	USBResetCommand *[]string `json:"usb_reset_command,omitempty"`
	RestartCommand  *[]string `json:"restart_command,omitempty"`
}

// InfluxConfig enables the InfluxDB sink when URL is set.
type InfluxConfig struct {
	URL           string  `json:"url,omitempty"`
	Token         string  `json:"token,omitempty"`
	Org           string  `json:"org,omitempty"`
	Bucket        string  `json:"bucket,omitempty"`
	FlushInterval *string `json:"flush_interval,omitempty"`
	MaxPoints     *int    `json:"max_points,omitempty"`
	Retries       *int    `json:"retries,omitempty"`
}

// MQTTConfig enables the pump request publisher when Broker is set.
type MQTTConfig struct {
	Broker   string  `json:"broker,omitempty"`
	Topic    *string `json:"topic,omitempty"`
	ClientID *string `json:"client_id,omitempty"`
	Username string  `json:"username,omitempty"`
	Password string  `json:"password,omitempty"`
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the values that are set.
func (c *Config) Validate() error {
	if c.ValveCount != nil && (*c.ValveCount < 1 || *c.ValveCount > 9) {
		return fmt.Errorf("valve_count must be between 1 and 9, got %d", *c.ValveCount)
	}

	durations := []struct {
		name     string
		value    *string
		positive bool
	}{
		{"tick_interval", c.TickInterval, true},
		{"serial.read_timeout", c.Serial.ReadTimeout, true},
		{"serial.drain_timeout", c.Serial.DrainTimeout, true},
		{"serial.reset_pause", c.Serial.ResetPause, false},
		{"flow.window", c.Flow.Window, true},
		{"influx.flush_interval", c.Influx.FlushInterval, true},
	}
	for _, d := range durations {
		if d.value == nil || *d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(*d.value)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.value, err)
		}
		if parsed < 0 || (d.positive && parsed == 0) {
			return fmt.Errorf("%s must be positive, got %s", d.name, *d.value)
		}
	}

	if c.Serial.BaudRate != nil && *c.Serial.BaudRate <= 0 {
		return fmt.Errorf("serial.baud_rate must be positive, got %d", *c.Serial.BaudRate)
	}
	if c.Serial.HandshakeAttempts != nil && *c.Serial.HandshakeAttempts < 1 {
		return fmt.Errorf("serial.handshake_attempts must be at least 1, got %d", *c.Serial.HandshakeAttempts)
	}
	if c.Serial.DebugPrefix != nil && *c.Serial.DebugPrefix == "" {
		return fmt.Errorf("serial.debug_prefix must not be empty")
	}
	if c.Flow.ScaleFactor != nil && *c.Flow.ScaleFactor <= 0 {
		return fmt.Errorf("flow.scale_factor must be positive, got %f", *c.Flow.ScaleFactor)
	}
	if c.Influx.MaxPoints != nil && *c.Influx.MaxPoints < 1 {
		return fmt.Errorf("influx.max_points must be at least 1, got %d", *c.Influx.MaxPoints)
	}
	if c.Influx.Retries != nil && *c.Influx.Retries < 1 {
		return fmt.Errorf("influx.retries must be at least 1, got %d", *c.Influx.Retries)
	}
	if c.Influx.URL != "" && (c.Influx.Token == "" || c.Influx.Org == "" || c.Influx.Bucket == "") {
		return fmt.Errorf("influx.url requires token, org and bucket")
	}
	return nil
}

func durationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

// GetValveCount returns valve_count or 7.
func (c *Config) GetValveCount() int {
	if c.ValveCount == nil {
		return 7
	}
	return *c.ValveCount
}

func (c *Config) GetTickInterval() time.Duration {
	return durationOr(c.TickInterval, time.Minute)
}

func (c *Config) GetDBPath() string {
	if c.DBPath == nil || *c.DBPath == "" {
		return "irrigation.db"
	}
	return *c.DBPath
}

// GetDevice returns the fixed device path, or "" to use discovery.
func (c *Config) GetDevice() string {
	if c.Serial.Device == nil {
		return ""
	}
	return *c.Serial.Device
}

func (c *Config) GetDeviceGlob() string {
	if c.Serial.DeviceGlob == nil || *c.Serial.DeviceGlob == "" {
		return "/dev/ttyUSB*"
	}
	return *c.Serial.DeviceGlob
}

func (c *Config) GetBaudRate() int {
	if c.Serial.BaudRate == nil {
		return serialport.DefaultBaudRate
	}
	return *c.Serial.BaudRate
}

func (c *Config) GetReadTimeout() time.Duration {
	return durationOr(c.Serial.ReadTimeout, serialport.DefaultReadTimeout)
}

func (c *Config) GetDrainTimeout() time.Duration {
	return durationOr(c.Serial.DrainTimeout, 50*time.Millisecond)
}

func (c *Config) GetDebugPrefix() string {
	if c.Serial.DebugPrefix == nil {
		return "D"
	}
	return *c.Serial.DebugPrefix
}

func (c *Config) GetResetPause() time.Duration {
	return durationOr(c.Serial.ResetPause, 2*time.Second)
}

func (c *Config) GetHandshakeAttempts() int {
	if c.Serial.HandshakeAttempts == nil {
		return 5
	}
	return *c.Serial.HandshakeAttempts
}

func (c *Config) GetFlowWindow() time.Duration {
	return durationOr(c.Flow.Window, time.Minute)
}

func (c *Config) GetFlowScaleFactor() float64 {
	if c.Flow.ScaleFactor == nil {
		return 1
	}
	return *c.Flow.ScaleFactor
}

func (c *Config) GetUSBResetCommand() []string {
	if c.Provision.USBResetCommand == nil {
		return provision.DefaultUSBResetCommand
	}
	return *c.Provision.USBResetCommand
}

func (c *Config) GetRestartCommand() []string {
	if c.Provision.RestartCommand == nil {
		return provision.DefaultRestartCommand
	}
	return *c.Provision.RestartCommand
}

// SiteTags returns the non-empty site tags for telemetry.
func (c *Config) SiteTags() map[string]string {
	tags := map[string]string{}
	if c.Site.Location != "" {
		tags["location"] = c.Site.Location
	}
	if c.Site.Controller != "" {
		tags["controller"] = c.Site.Controller
	}
	return tags
}

func (c *Config) InfluxEnabled() bool {
	return c.Influx.URL != ""
}

func (c *Config) GetInfluxFlushInterval() time.Duration {
	return durationOr(c.Influx.FlushInterval, time.Minute)
}

func (c *Config) GetInfluxMaxPoints() int {
	if c.Influx.MaxPoints == nil {
		return 100
	}
	return *c.Influx.MaxPoints
}

func (c *Config) GetInfluxRetries() int {
	if c.Influx.Retries == nil {
		return 10
	}
	return *c.Influx.Retries
}

func (c *Config) MQTTEnabled() bool {
	return c.MQTT.Broker != ""
}

func (c *Config) GetMQTTTopic() string {
	if c.MQTT.Topic == nil || *c.MQTT.Topic == "" {
		return "irrigation/pump"
	}
	return *c.MQTT.Topic
}

// GetMQTTClientID defaults to "irrigation-" plus the controller name.
func (c *Config) GetMQTTClientID() string {
	if c.MQTT.ClientID != nil && *c.MQTT.ClientID != "" {
		return *c.MQTT.ClientID
	}
	if c.Site.Controller != "" {
		return "irrigation-" + c.Site.Controller
	}
	return "irrigation"
}
