// Package config loads and validates the agent configuration.
//
// Configuration lives in a YAML file at <data-dir>/config.yaml. The path can
// be overridden with --config or the BRIDGECAL_CONFIG environment variable,
// and the data directory itself with BRIDGECAL_DATA_DIR. A missing config
// file yields defaults; an unreadable or invalid one is an error.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrInvalid marks configuration problems. Callers map it to exit code 2.
var ErrInvalid = errors.New("invalid configuration")

// Defaults applied when the config file is missing or leaves fields unset.
const (
	DefaultPastDays         = 30
	DefaultFutureDays       = 180
	DefaultIntervalSeconds  = 120
	DefaultGoogleCalendarID = "primary"
	DefaultTenant           = "common"
)

// Config is the top-level agent configuration.
type Config struct {
	DataDir string  `yaml:"data_dir"`
	Outlook Outlook `yaml:"outlook"`
	Google  Google  `yaml:"google"`
	Sync    Sync    `yaml:"sync"`
	Log     Log     `yaml:"log"`
}

// Outlook configures the Microsoft Graph side. An empty calendar_id means
// the account's default calendar. The sync window is expressed from "now":
// past_days back, future_days forward.
type Outlook struct {
	CalendarID string `yaml:"calendar_id"`
	ClientID   string `yaml:"client_id"`
	Tenant     string `yaml:"tenant"`
	TokenPath  string `yaml:"token_path"`
	PastDays   int    `yaml:"past_days"`
	FutureDays int    `yaml:"future_days"`
}

// Google configures the Google Calendar side.
type Google struct {
	CalendarID       string `yaml:"calendar_id"`
	ClientSecretPath string `yaml:"client_secret_path"`
	TokenPath        string `yaml:"token_path"`
}

// Sync configures the reconciliation loop.
type Sync struct {
	IntervalSeconds int    `yaml:"interval_seconds"`
	RedactionMode   string `yaml:"redaction_mode"`
}

// Log configures the process logger. An empty file means console only;
// a relative file is placed under the data directory.
type Log struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns a configuration with every defaulted field filled in and
// the data directory resolved for this environment.
func Default() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Outlook: Outlook{
			Tenant:     DefaultTenant,
			TokenPath:  "outlook_token.json",
			PastDays:   DefaultPastDays,
			FutureDays: DefaultFutureDays,
		},
		Google: Google{
			CalendarID:       DefaultGoogleCalendarID,
			ClientSecretPath: "google_client_secret.json",
			TokenPath:        "google_token.json",
		},
		Sync: Sync{
			IntervalSeconds: DefaultIntervalSeconds,
			RedactionMode:   "none",
		},
		Log: Log{
			Level: "info",
		},
	}
}

// DefaultDataDir returns the per-user data directory: BRIDGECAL_DATA_DIR if
// set, %APPDATA%\BridgeCal on Windows, ~/.bridgecal elsewhere.
func DefaultDataDir() string {
	if dir := os.Getenv("BRIDGECAL_DATA_DIR"); dir != "" {
		return dir
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "BridgeCal")
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bridgecal"
	}
	return filepath.Join(home, ".bridgecal")
}

// DefaultPath returns the config file path that Load uses when no explicit
// path is given.
func DefaultPath() string {
	if path := os.Getenv("BRIDGECAL_CONFIG"); path != "" {
		return path
	}
	return filepath.Join(DefaultDataDir(), "config.yaml")
}

// Load reads, defaults, and validates the configuration. An empty path
// falls back to BRIDGECAL_CONFIG, then to <data-dir>/config.yaml. A missing
// file is not an error; everything else is.
func Load(path string) (*Config, error) {
	// Optional .env in the working directory, for development setups.
	_ = godotenv.Load()

	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// First run: defaults only.
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w: %v", path, ErrInvalid, err)
		}
	}

	// An explicit environment override beats the file's data_dir.
	if dir := os.Getenv("BRIDGECAL_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir()
	}
	cfg.fillUnset()
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fillUnset re-applies defaults for fields the file set to empty strings.
// Numeric zeros are left alone so "past_days: 0" keeps its meaning.
func (c *Config) fillUnset() {
	if c.Outlook.Tenant == "" {
		c.Outlook.Tenant = DefaultTenant
	}
	if c.Outlook.TokenPath == "" {
		c.Outlook.TokenPath = "outlook_token.json"
	}
	if c.Google.CalendarID == "" {
		c.Google.CalendarID = DefaultGoogleCalendarID
	}
	if c.Google.ClientSecretPath == "" {
		c.Google.ClientSecretPath = "google_client_secret.json"
	}
	if c.Google.TokenPath == "" {
		c.Google.TokenPath = "google_token.json"
	}
	if c.Sync.RedactionMode == "" {
		c.Sync.RedactionMode = "none"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// resolvePaths anchors relative file paths under the data directory.
func (c *Config) resolvePaths() {
	c.Google.ClientSecretPath = c.resolve(c.Google.ClientSecretPath)
	c.Google.TokenPath = c.resolve(c.Google.TokenPath)
	c.Outlook.TokenPath = c.resolve(c.Outlook.TokenPath)
	if c.Log.File != "" {
		c.Log.File = c.resolve(c.Log.File)
	}
}

func (c *Config) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.DataDir, path)
}

// StorePath returns the location of the SQLite mapping store.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "state.db")
}

// Validate checks for values the agent cannot run with. All failures wrap
// ErrInvalid.
func (c *Config) Validate() error {
	if c.Outlook.PastDays < 0 {
		return fmt.Errorf("%w: outlook.past_days must not be negative (got %d)", ErrInvalid, c.Outlook.PastDays)
	}
	if c.Outlook.FutureDays < 0 {
		return fmt.Errorf("%w: outlook.future_days must not be negative (got %d)", ErrInvalid, c.Outlook.FutureDays)
	}
	if c.Outlook.PastDays == 0 && c.Outlook.FutureDays == 0 {
		return fmt.Errorf("%w: sync window is empty (outlook.past_days and outlook.future_days are both 0)", ErrInvalid)
	}
	if c.Outlook.ClientID == "" {
		return fmt.Errorf("%w: outlook.client_id is required (Azure app registration)", ErrInvalid)
	}
	if c.Sync.IntervalSeconds <= 0 {
		return fmt.Errorf("%w: sync.interval_seconds must be positive (got %d)", ErrInvalid, c.Sync.IntervalSeconds)
	}
	switch c.Sync.RedactionMode {
	case "none", "busy-only":
	default:
		return fmt.Errorf("%w: sync.redaction_mode must be \"none\" or \"busy-only\" (got %q)", ErrInvalid, c.Sync.RedactionMode)
	}
	switch c.Log.Level {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log.level must be one of trace, debug, info, warn, error (got %q)", ErrInvalid, c.Log.Level)
	}
	return nil
}
