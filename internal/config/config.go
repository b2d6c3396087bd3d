// Package config loads the AlarmMe add-on options.
//
// Home Assistant writes the options a user sets in the add-on UI to
// /data/options.json. JSON is a subset of YAML, so the file is decoded with
// the YAML decoder, which also lets developers keep a commented options.yaml
// locally.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the Supervisor places the add-on options.
const DefaultPath = "/data/options.json"

// Config is the top-level add-on configuration.
type Config struct {
	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info".
	LogLevel string `yaml:"log_level"`

	// LogFormat is "json" (default) or "text" for a colourised console.
	LogFormat string `yaml:"log_format"`

	// Port is the ingress port for the UI and API. Defaults to 8099;
	// overridden by $PORT.
	Port int `yaml:"port"`

	// DataDir is the persistent add-on directory. Defaults to "/data".
	DataDir string `yaml:"data_dir"`

	// StateFile holds the mirrored mode switches and the last poll time.
	// Defaults to <data_dir>/switches_state.json.
	StateFile string `yaml:"state_file"`

	// AuditLog is the hash-chained log of administrative changes.
	// Defaults to <data_dir>/alarmme_audit.log; "-" disables it.
	AuditLog string `yaml:"audit_log"`

	Database DatabaseConfig `yaml:"database"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Switches SwitchesConfig `yaml:"switches"`
	Notify   NotifyConfig   `yaml:"notify"`
	API      APIConfig      `yaml:"api"`
	MQTT     MQTTConfig     `yaml:"mqtt"`

	// HomeAssistant is filled from the environment, never from the file.
	HomeAssistant HomeAssistantConfig `yaml:"-"`
}

// DatabaseConfig selects the sensor registry backend.
type DatabaseConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `yaml:"driver"`
	// Path of the SQLite file. Defaults to <data_dir>/alarmme.db.
	Path string `yaml:"path"`
	// DSN is the PostgreSQL connection string. Required for postgres.
	DSN string `yaml:"dsn"`
}

// MonitorConfig tunes the poll loop.
type MonitorConfig struct {
	// Enabled turns the poll loop on. Defaults to true.
	Enabled *bool `yaml:"enabled"`
	// PollIntervalMS is the delay between polls. Default 5000, minimum 1000.
	PollIntervalMS int `yaml:"poll_interval_ms"`
	// ErrorBackoffFactor multiplies the interval after a failed poll.
	// Default 2.
	ErrorBackoffFactor int `yaml:"error_backoff_factor"`
	// CameraMotionWindowS is how recent camera motion must be to count as
	// active. Default 60.
	CameraMotionWindowS int `yaml:"camera_motion_window_s"`
	// HTTPTimeoutMS bounds the state fetch. Default 10000.
	HTTPTimeoutMS int `yaml:"http_timeout_ms"`
	// AuxTimeoutMS bounds area lookups and notification sends. Default 3000.
	AuxTimeoutMS int `yaml:"aux_timeout_ms"`
}

// SwitchesConfig names the switch entities backing each mode. An empty
// perimeter entity disables that mode.
type SwitchesConfig struct {
	Away      string `yaml:"away"`
	Night     string `yaml:"night"`
	Perimeter string `yaml:"perimeter"`
}

// NotifyConfig selects alert targets.
type NotifyConfig struct {
	// Services lists notify services. Empty means every mobile_app_*
	// service.
	Services []string `yaml:"services"`
	// Persistent also posts to the notification drawer. Defaults to true.
	Persistent *bool `yaml:"persistent"`
	// Title prefixes alert titles. Defaults to "AlarmMe".
	Title string `yaml:"title"`
	// SuppressionWindowS drops repeat alerts for a sensor inside the
	// window. 0 (default) alerts on every poll.
	SuppressionWindowS int `yaml:"suppression_window_s"`
	// AnnounceStartup sends a notification when the add-on starts.
	AnnounceStartup bool `yaml:"announce_startup"`
}

// APIConfig configures optional bearer authentication of /api routes.
type APIConfig struct {
	// JWTPublicKeyPath is a PEM RSA public key. Empty disables auth.
	JWTPublicKeyPath string `yaml:"jwt_public_key_path"`
	JWTIssuer        string `yaml:"jwt_issuer"`
	JWTAudience      string `yaml:"jwt_audience"`
}

// MQTTConfig configures the optional MQTT mirror.
type MQTTConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	ClientID       string `yaml:"client_id"`
	BaseTopic      string `yaml:"base_topic"`
	DiscoveryTopic string `yaml:"discovery_topic"`
}

// HomeAssistantConfig is taken from the Supervisor environment.
type HomeAssistantConfig struct {
	// URL of Home Assistant Core, from $HASSIO_URL.
	URL string
	// Token from $SUPERVISOR_TOKEN. Empty means not configured.
	Token string
}

// Configured reports whether Home Assistant credentials are present.
func (h HomeAssistantConfig) Configured() bool { return h.Token != "" }

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the options file at path (a missing file means all
// defaults), applies defaults and environment overrides, and validates the
// result. All validation problems are reported together.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
		}
	}

	applyDefaults(&cfg)
	if err := applyEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	if cfg.Port == 0 {
		cfg.Port = 8099
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "/data"
	}
	if cfg.StateFile == "" {
		cfg.StateFile = filepath.Join(cfg.DataDir, "switches_state.json")
	}
	switch cfg.AuditLog {
	case "":
		cfg.AuditLog = filepath.Join(cfg.DataDir, "alarmme_audit.log")
	case "-":
		cfg.AuditLog = ""
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(cfg.DataDir, "alarmme.db")
	}

	m := &cfg.Monitor
	if m.Enabled == nil {
		m.Enabled = boolPtr(true)
	}
	if m.PollIntervalMS == 0 {
		m.PollIntervalMS = 5000
	}
	if m.ErrorBackoffFactor == 0 {
		m.ErrorBackoffFactor = 2
	}
	if m.CameraMotionWindowS == 0 {
		m.CameraMotionWindowS = 60
	}
	if m.HTTPTimeoutMS == 0 {
		m.HTTPTimeoutMS = 10000
	}
	if m.AuxTimeoutMS == 0 {
		m.AuxTimeoutMS = 3000
	}

	if cfg.Switches.Away == "" {
		cfg.Switches.Away = "switch.alarmme_away_mode"
	}
	if cfg.Switches.Night == "" {
		cfg.Switches.Night = "switch.alarmme_night_mode"
	}

	if cfg.Notify.Persistent == nil {
		cfg.Notify.Persistent = boolPtr(true)
	}
	if cfg.Notify.Title == "" {
		cfg.Notify.Title = "AlarmMe"
	}

	if cfg.MQTT.Port == 0 {
		cfg.MQTT.Port = 1883
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "alarmme"
	}
	if cfg.MQTT.BaseTopic == "" {
		cfg.MQTT.BaseTopic = "alarmme"
	}
	if cfg.MQTT.DiscoveryTopic == "" {
		cfg.MQTT.DiscoveryTopic = "homeassistant"
	}
}

func applyEnv(cfg *Config) error {
	cfg.HomeAssistant.Token = os.Getenv("SUPERVISOR_TOKEN")
	cfg.HomeAssistant.URL = os.Getenv("HASSIO_URL")
	if cfg.HomeAssistant.URL == "" {
		cfg.HomeAssistant.URL = "http://supervisor/core"
	}
	if p := os.Getenv("PORT"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("PORT %q is not a number", p)
		}
		cfg.Port = port
	}
	return nil
}

func validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("log_format %q must be json or text", cfg.LogFormat))
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", cfg.Port))
	}

	switch cfg.Database.Driver {
	case "sqlite":
	case "postgres":
		if cfg.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q must be sqlite or postgres", cfg.Database.Driver))
	}

	if cfg.Monitor.PollIntervalMS < 1000 {
		errs = append(errs, fmt.Errorf("monitor.poll_interval_ms %d must be at least 1000", cfg.Monitor.PollIntervalMS))
	}
	if cfg.Monitor.ErrorBackoffFactor < 1 {
		errs = append(errs, errors.New("monitor.error_backoff_factor must be at least 1"))
	}
	if cfg.Monitor.CameraMotionWindowS < 0 || cfg.Monitor.HTTPTimeoutMS < 0 || cfg.Monitor.AuxTimeoutMS < 0 {
		errs = append(errs, errors.New("monitor timeouts and windows must not be negative"))
	}
	if cfg.Notify.SuppressionWindowS < 0 {
		errs = append(errs, errors.New("notify.suppression_window_s must not be negative"))
	}

	s := cfg.Switches
	if s.Away == s.Night || (s.Perimeter != "" && (s.Perimeter == s.Away || s.Perimeter == s.Night)) {
		errs = append(errs, errors.New("switches: each mode needs its own entity"))
	}

	if cfg.MQTT.Enabled && cfg.MQTT.Host == "" {
		errs = append(errs, errors.New("mqtt.host is required when mqtt is enabled"))
	}

	return errors.Join(errs...)
}

// MonitorEnabled reports whether the poll loop should run.
func (c *Config) MonitorEnabled() bool { return c.Monitor.Enabled == nil || *c.Monitor.Enabled }

// PollInterval returns the poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Monitor.PollIntervalMS) * time.Millisecond
}

// CameraMotionWindow returns the camera freshness window.
func (c *Config) CameraMotionWindow() time.Duration {
	return time.Duration(c.Monitor.CameraMotionWindowS) * time.Second
}

// HTTPTimeout returns the state fetch timeout.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.Monitor.HTTPTimeoutMS) * time.Millisecond
}

// AuxTimeout returns the timeout for auxiliary calls.
func (c *Config) AuxTimeout() time.Duration {
	return time.Duration(c.Monitor.AuxTimeoutMS) * time.Millisecond
}

// SuppressionWindow returns the alert suppression window.
func (c *Config) SuppressionWindow() time.Duration {
	return time.Duration(c.Notify.SuppressionWindowS) * time.Second
}

// NotifyPersistent reports whether alerts go to the notification drawer.
func (c *Config) NotifyPersistent() bool { return c.Notify.Persistent == nil || *c.Notify.Persistent }

func boolPtr(b bool) *bool { return &b }
