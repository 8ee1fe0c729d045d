// Package config loads the node agent configuration: embedded per-device
// defaults overlaid by an optional YAML file, then defaulted, clamped and
// validated.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sensornode-go/errcode"
	"sensornode-go/x/mathx"
	"sensornode-go/x/timex"
)

// DefaultDevice is used when no device name is given.
const DefaultDevice = "rpi-bme680"

// EmbeddedConfigLookup allows overriding how per-device defaults are resolved.
var EmbeddedConfigLookup = func(device string) ([]byte, bool) {
	b, ok := embeddedConfigs[device]
	return b, ok
}

type Config struct {
	Device          string `yaml:"device"`
	FirmwareVersion string `yaml:"firmware_version"`

	Cycle     CycleConfig     `yaml:"cycle"`
	Store     StoreConfig     `yaml:"store"`
	Sensor    SensorConfig    `yaml:"sensor"`
	Network   NetworkConfig   `yaml:"network"`
	Collector CollectorConfig `yaml:"collector"`
	TLS       TLSConfig       `yaml:"tls"`
	Update    UpdateConfig    `yaml:"update"`
	Power     PowerConfig     `yaml:"power"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

// CycleConfig is the wake-cycle policy.
type CycleConfig struct {
	SleepSeconds        uint32 `yaml:"sleep_seconds"`
	UpdateCheckInterval uint32 `yaml:"update_check_interval"`
	NetworkTimeoutMs    uint32 `yaml:"network_timeout_ms"`
	PublishTimeoutMs    uint32 `yaml:"publish_timeout_ms"`
}

func (c CycleConfig) Sleep() time.Duration          { return timex.Secs(c.SleepSeconds) }
func (c CycleConfig) NetworkTimeout() time.Duration { return timex.Ms(c.NetworkTimeoutMs) }
func (c CycleConfig) PublishTimeout() time.Duration { return timex.Ms(c.PublishTimeoutMs) }

type StoreConfig struct {
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
	Key       string `yaml:"key"`
}

type SensorConfig struct {
	Bus           string `yaml:"bus"`
	Address       uint16 `yaml:"address"`
	HeaterTempC   uint16 `yaml:"heater_temp_c"`
	HeaterMs      uint32 `yaml:"heater_ms"`
	ReadTimeoutMs uint32 `yaml:"read_timeout_ms"`
}

type NetworkConfig struct {
	Interface   string `yaml:"interface"`
	ReleaseLink *bool  `yaml:"release_link"`
	MaxRelinks  int    `yaml:"max_relinks"`
}

type CollectorConfig struct {
	URL string `yaml:"url"`
}

// TLSConfig names the certificate material for the authenticated link.
// Empty fields fall back to the system roots and no client certificate.
type TLSConfig struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type UpdateConfig struct {
	VersionURL        string   `yaml:"version_url"`
	ImageURL          string   `yaml:"image_url"`
	SlotDir           string   `yaml:"slot_dir"`
	Restart           string   `yaml:"restart"` // "exec" or "reboot"
	RebootCommand     []string `yaml:"reboot_command"`
	CheckTimeoutMs    uint32   `yaml:"check_timeout_ms"`
	DownloadTimeoutMs uint32   `yaml:"download_timeout_ms"`
}

func (c UpdateConfig) CheckTimeout() time.Duration    { return timex.Ms(c.CheckTimeoutMs) }
func (c UpdateConfig) DownloadTimeout() time.Duration { return timex.Ms(c.DownloadTimeoutMs) }

type PowerConfig struct {
	Mode      string   `yaml:"mode"` // "timer" or "rtc"
	Wakealarm string   `yaml:"wakealarm"`
	Command   []string `yaml:"command"`
}

type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// Load resolves the embedded defaults for device (DefaultDevice if empty),
// overlays the YAML file at path when path is non-empty, then applies
// defaults and validates.
func Load(path, device string) (*Config, error) {
	if device == "" {
		device = DefaultDevice
	}
	var cfg Config
	raw, ok := EmbeddedConfigLookup(device)
	if !ok {
		return nil, &errcode.E{C: errcode.InvalidConfig, Op: "load", Msg: "no embedded config for device " + device}
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("embedded config %s: %w", device, err)
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, &errcode.E{C: errcode.InvalidConfig, Op: "parse", Msg: path, Err: err}
		}
	}
	if cfg.Device == "" {
		cfg.Device = device
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse decodes a complete YAML document without embedded defaults.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, &errcode.E{C: errcode.InvalidConfig, Op: "parse", Err: err}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills omitted fields with the reference policy and pulls
// out-of-range values back into range.
func (c *Config) ApplyDefaults() {
	c.Cycle.SleepSeconds = mathx.OrDefault(c.Cycle.SleepSeconds, 300, 1, 86400)
	c.Cycle.UpdateCheckInterval = mathx.OrDefault(c.Cycle.UpdateCheckInterval, 24, 1, 1_000_000)
	c.Cycle.NetworkTimeoutMs = mathx.OrDefault(c.Cycle.NetworkTimeoutMs, 30_000, 100, 600_000)
	c.Cycle.PublishTimeoutMs = mathx.OrDefault(c.Cycle.PublishTimeoutMs, 10_000, 100, 600_000)

	if c.Store.Path == "" {
		c.Store.Path = "/var/lib/sensornode/state.db"
	}
	if c.Store.Namespace == "" {
		c.Store.Namespace = "agent"
	}
	if c.Store.Key == "" {
		c.Store.Key = "wake_count"
	}

	if c.Sensor.Bus == "" {
		c.Sensor.Bus = "/dev/i2c-1"
	}
	if c.Sensor.Address == 0 {
		c.Sensor.Address = 0x77
	}
	c.Sensor.HeaterTempC = mathx.OrDefault(c.Sensor.HeaterTempC, 320, 200, 400)
	c.Sensor.HeaterMs = mathx.OrDefault(c.Sensor.HeaterMs, 150, 1, 4032)
	c.Sensor.ReadTimeoutMs = mathx.OrDefault(c.Sensor.ReadTimeoutMs, 1000, 100, 10_000)

	if c.Network.Interface == "" {
		c.Network.Interface = "wlan0"
	}
	if c.Network.ReleaseLink == nil {
		release := true
		c.Network.ReleaseLink = &release
	}
	c.Network.MaxRelinks = mathx.Clamp(c.Network.MaxRelinks, 0, 10)

	if c.Update.SlotDir == "" {
		c.Update.SlotDir = "/var/lib/sensornode/slots"
	}
	if c.Update.Restart == "" {
		c.Update.Restart = "exec"
	}
	if len(c.Update.RebootCommand) == 0 {
		c.Update.RebootCommand = []string{"systemctl", "reboot"}
	}
	c.Update.CheckTimeoutMs = mathx.OrDefault(c.Update.CheckTimeoutMs, 10_000, 100, 600_000)
	c.Update.DownloadTimeoutMs = mathx.OrDefault(c.Update.DownloadTimeoutMs, 300_000, 1000, 3_600_000)

	if c.Power.Mode == "" {
		c.Power.Mode = "timer"
	}
	if c.Power.Wakealarm == "" {
		c.Power.Wakealarm = "/sys/class/rtc/rtc0/wakealarm"
	}
	if len(c.Power.Command) == 0 {
		c.Power.Command = []string{"systemctl", "poweroff"}
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(msg string) {
		errs = append(errs, &errcode.E{C: errcode.InvalidConfig, Msg: msg})
	}
	checkURL := func(field, raw string, required bool) {
		if raw == "" {
			if required {
				bad(field + " is required")
			}
			return
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			bad(field + " must be an http(s) URL")
		}
	}
	checkURL("collector.url", c.Collector.URL, true)
	checkURL("update.version_url", c.Update.VersionURL, false)
	checkURL("update.image_url", c.Update.ImageURL, false)
	if (c.Update.VersionURL == "") != (c.Update.ImageURL == "") {
		bad("update.version_url and update.image_url must be set together")
	}
	switch c.Update.Restart {
	case "exec", "reboot":
	default:
		bad("update.restart must be exec or reboot")
	}
	switch c.Power.Mode {
	case "timer", "rtc":
	default:
		bad("power.mode must be timer or rtc")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		bad("log.format must be text or json")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		bad("tls.cert_file and tls.key_file must be set together")
	}
	if c.Sensor.Address > 0x7F {
		bad("sensor.address must be a 7-bit I2C address")
	}
	return errors.Join(errs...)
}

// UpdatesEnabled reports whether update endpoints are configured.
func (c *Config) UpdatesEnabled() bool { return c.Update.VersionURL != "" }
