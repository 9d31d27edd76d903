// Package config loads the solar-monitoring service's configuration
// from YAML with environment-variable overrides, grounded on the
// teacher's internal/config/config.go nested-struct + applyEnvOverrides
// + Validate() pattern, restructured for the solar domain's fields.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration tree.
type Config struct {
	Poller     PollerConfig     `yaml:"poller" validate:"required"`
	Battery    BatteryConfig    `yaml:"battery" validate:"required"`
	Plugins    []PluginInstance `yaml:"plugins" validate:"required,min=1,dive"`
	Watchdog   WatchdogConfig   `yaml:"watchdog"`
	History    HistoryConfig    `yaml:"history"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	TUI        TUIConfig        `yaml:"tui"`
	Tuya       TuyaConfig       `yaml:"tuya"`
	Logging    LoggingConfig    `yaml:"logging"`
	UpdateCheck UpdateCheckConfig `yaml:"update_check"`
}

type PollerConfig struct {
	IntervalSeconds           float64 `yaml:"interval_seconds" validate:"required,gt=0"`
	TimeZone                  string  `yaml:"timezone" validate:"required"`
	MaxReconnectAttempts      int     `yaml:"max_reconnect_attempts"`
	MeaningfulPowerThresholdW float64 `yaml:"meaningful_power_threshold_watts"`
}

type BatteryConfig struct {
	UsableCapacityKWH      float64            `yaml:"usable_capacity_kwh" validate:"required,gt=0"`
	MaxChargePowerWatts    float64            `yaml:"max_charge_power_watts" validate:"required,gt=0"`
	MaxDischargePowerWatts float64            `yaml:"max_discharge_power_watts" validate:"required,gt=0"`
	DailyEnergyCapsKWH     map[string]float64 `yaml:"daily_energy_caps_kwh"`
}

type PluginInstance struct {
	InstanceID          string  `yaml:"instance_id" validate:"required"`
	PluginType          string  `yaml:"plugin_type" validate:"required"`
	IsBMS               bool    `yaml:"is_bms"`
	Host                string  `yaml:"host"`
	Port                int     `yaml:"port"`
	SerialDevice        string  `yaml:"serial_device"`
	BaudRate            int     `yaml:"baud_rate"`
	UnitID              int     `yaml:"unit_id"`
	TimeoutSeconds      int     `yaml:"timeout_seconds"`
	RatedACPowerWatts   float64 `yaml:"rated_ac_power_watts"`
	InstalledPVWatts    float64 `yaml:"installed_pv_capacity_watts"`
}

type WatchdogConfig struct {
	TimeoutSeconds      int `yaml:"timeout_seconds"`
	GraceSeconds        int `yaml:"grace_seconds"`
	MaxReloadAttempts   int `yaml:"max_reload_attempts"`
}

type HistoryConfig struct {
	Enabled         bool   `yaml:"enabled"`
	SQLitePath      string `yaml:"sqlite_path"`
	SampleIntervalSeconds int `yaml:"sample_interval_seconds"`
}

type MQTTConfig struct {
	Enabled           bool   `yaml:"enabled"`
	BrokerURL         string `yaml:"broker_url"`
	ClientID          string `yaml:"client_id"`
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`
	BaseTopic         string `yaml:"base_topic"`
	StaleTimeoutSeconds int  `yaml:"stale_timeout_seconds"`
	DiscoveryEnabled  bool   `yaml:"discovery_enabled"`
	DiscoveryPrefix   string `yaml:"discovery_prefix"`
}

type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type TUIConfig struct {
	Enabled bool `yaml:"enabled"`
}

type TuyaConfig struct {
	Enabled    bool    `yaml:"enabled"`
	DeviceID   string  `yaml:"device_id"`
	LocalKey   string  `yaml:"local_key"`
	Address    string  `yaml:"address"`
	OnAboveC   float64 `yaml:"on_above_celsius"`
	OffBelowC  float64 `yaml:"off_below_celsius"`
	CoolDownSeconds int `yaml:"cool_down_seconds"`
	DPSIndex   string  `yaml:"dps_index"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
}

type UpdateCheckConfig struct {
	Enabled         bool   `yaml:"enabled"`
	ReleasesURL     string `yaml:"releases_url"`
	IntervalHours   int    `yaml:"interval_hours"`
}

// Load reads path, applies SOLARMON_-prefixed environment overrides,
// and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyEnvOverrides(&cfg)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Poller.MaxReconnectAttempts <= 0 {
		c.Poller.MaxReconnectAttempts = 3
	}
	if c.Poller.MeaningfulPowerThresholdW <= 0 {
		c.Poller.MeaningfulPowerThresholdW = 1.0
	}
	if c.Watchdog.TimeoutSeconds <= 0 {
		c.Watchdog.TimeoutSeconds = 90
	}
	if c.Watchdog.MaxReloadAttempts <= 0 {
		c.Watchdog.MaxReloadAttempts = 3
	}
	if c.MQTT.StaleTimeoutSeconds <= 0 {
		c.MQTT.StaleTimeoutSeconds = 120
	}
	if c.History.SampleIntervalSeconds <= 0 {
		c.History.SampleIntervalSeconds = 60
	}
	if c.UpdateCheck.ReleasesURL == "" {
		c.UpdateCheck.ReleasesURL = "https://api.github.com/repos/jcvsite/solar-monitoring/releases/latest"
	}
	if c.UpdateCheck.IntervalHours <= 0 {
		c.UpdateCheck.IntervalHours = 24
	}
}

// applyEnvOverrides overrides a handful of the most commonly
// environment-templated fields, matching the teacher's os.Getenv
// override style (prefix renamed from NMS_ to SOLARMON_).
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SOLARMON_POLL_INTERVAL_SECONDS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Poller.IntervalSeconds = f
		}
	}
	if v := os.Getenv("SOLARMON_MQTT_BROKER_URL"); v != "" {
		cfg.MQTT.BrokerURL = v
	}
	if v := os.Getenv("SOLARMON_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("SOLARMON_DASHBOARD_ADDRESS"); v != "" {
		cfg.Dashboard.Address = v
	}
	if v := os.Getenv("SOLARMON_HISTORY_SQLITE_PATH"); v != "" {
		cfg.History.SQLitePath = v
	}
}

var validate = validator.New()

// Validate runs struct-tag validation plus the cross-field rules the
// tags can't express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: validation failed: %w", err)
	}
	if _, err := time.LoadLocation(c.Poller.TimeZone); err != nil {
		return fmt.Errorf("config: invalid timezone %q: %w", c.Poller.TimeZone, err)
	}
	if c.Tuya.Enabled && len(c.Tuya.LocalKey) != 16 {
		return fmt.Errorf("config: tuya.local_key must be 16 bytes when tuya is enabled")
	}
	seen := map[string]bool{}
	for _, p := range c.Plugins {
		if seen[p.InstanceID] {
			return fmt.Errorf("config: duplicate plugin instance_id %q", p.InstanceID)
		}
		seen[p.InstanceID] = true
	}
	return nil
}

// WatchdogTimeout returns the configured watchdog timeout as a Duration.
func (c *Config) WatchdogTimeout() time.Duration {
	return time.Duration(c.Watchdog.TimeoutSeconds) * time.Second
}

// WatchdogGrace returns the configured grace period as a Duration.
func (c *Config) WatchdogGrace() time.Duration {
	return time.Duration(c.Watchdog.GraceSeconds) * time.Second
}

// MQTTStaleTimeout returns the configured MQTT stale timeout as a Duration.
func (c *Config) MQTTStaleTimeout() time.Duration {
	return time.Duration(c.MQTT.StaleTimeoutSeconds) * time.Second
}

// HistorySampleInterval returns the configured history sample interval.
func (c *Config) HistorySampleInterval() time.Duration {
	return time.Duration(c.History.SampleIntervalSeconds) * time.Second
}

// UpdateCheckInterval returns the configured update-check interval.
func (c *Config) UpdateCheckInterval() time.Duration {
	return time.Duration(c.UpdateCheck.IntervalHours) * time.Hour
}
