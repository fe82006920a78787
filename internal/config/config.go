package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// ICSConfig describes an extra ICS feed merged into the events collection.
type ICSConfig struct {
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url"`
	// ID is an internal identifier used as event ID prefix and in logs.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label.
	Name string `yaml:"name" json:"name"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// StoreConfig points at the hosted backend's REST endpoint.
type StoreConfig struct {
	// BaseURL is the collection root, e.g. "https://xyz.supabase.co/rest/v1".
	BaseURL string `yaml:"base_url" json:"base_url" env:"STORE_BASE_URL"`
	// APIKey is sent as the "apikey" header when set.
	APIKey string `yaml:"api_key" json:"-" env:"STORE_API_KEY"`
	// TimeoutSeconds bounds each collection request.
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds" env:"STORE_TIMEOUT_SECONDS"`
}

// AssetsConfig controls the shared assets root and the downloader.
type AssetsConfig struct {
	// Root is the shared assets root directory.
	Root string `yaml:"root" json:"root" env:"ASSETS_ROOT"`
	// MaxAttempts bounds download attempts (first try included).
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts" env:"ASSETS_MAX_ATTEMPTS"`
	// ResumePartial continues an interrupted download from its .part file
	// with an HTTP Range request instead of starting over.
	ResumePartial bool `yaml:"resume_partial" json:"resume_partial" env:"ASSETS_RESUME_PARTIAL"`
	// TimeoutMinutes bounds a single download attempt.
	TimeoutMinutes int `yaml:"timeout_minutes" json:"timeout_minutes" env:"ASSETS_TIMEOUT_MINUTES"`
}

// SessionConfig holds the secret used to verify backend access tokens.
type SessionConfig struct {
	JWTSecret string `yaml:"jwt_secret" json:"-" env:"JWT_SECRET"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen" env:"LISTEN"`

	// Timezone is the IANA timezone used to decide "today" (e.g. "Asia/Manila").
	Timezone string `yaml:"timezone" json:"timezone" env:"TIMEZONE"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level" env:"LOG_LEVEL"`

	// RefreshCron is a cron-style schedule string (e.g. "*/15 * * * *")
	// for refreshing the local document cache.
	RefreshCron string `yaml:"refresh" json:"refresh" env:"REFRESH"`

	// CachePath is the SQLite file backing the document cache.
	CachePath string `yaml:"cache_path" json:"cache_path" env:"CACHE_PATH"`

	// MaxOccurrencesPerEvent caps calendar expansion per event.
	MaxOccurrencesPerEvent int `yaml:"max_occurrences_per_event" json:"max_occurrences_per_event"`

	Store   StoreConfig   `yaml:"store" json:"store"`
	Assets  AssetsConfig  `yaml:"assets" json:"assets"`
	Session SessionConfig `yaml:"session" json:"-"`

	// ICS is the list of extra calendar feeds.
	ICS []ICSConfig `yaml:"ics" json:"ics"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"-"`
}

// EnvPrefix is prepended to every env override, e.g. TOURKITA_LISTEN.
const EnvPrefix = "TOURKITA_"

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:                 "127.0.0.1:8080",
		Timezone:               "Asia/Manila",
		LogLevel:               "info",
		RefreshCron:            "*/15 * * * *",
		CachePath:              "./var/tourkita/cache.db",
		MaxOccurrencesPerEvent: 366,
		Store: StoreConfig{
			TimeoutSeconds: 15,
		},
		Assets: AssetsConfig{
			Root:           "./var/tourkita/assets",
			MaxAttempts:    3,
			ResumePartial:  true,
			TimeoutMinutes: 30,
		},
		ICS:       []ICSConfig{},
		BasicAuth: nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.RefreshCron == "" {
		c.RefreshCron = d.RefreshCron
	}
	if c.CachePath == "" {
		c.CachePath = d.CachePath
	}
	if c.MaxOccurrencesPerEvent <= 0 {
		c.MaxOccurrencesPerEvent = d.MaxOccurrencesPerEvent
	}
	c.Store.BaseURL = strings.TrimRight(c.Store.BaseURL, "/")
	if c.Store.TimeoutSeconds <= 0 {
		c.Store.TimeoutSeconds = d.Store.TimeoutSeconds
	}
	if c.Assets.Root == "" {
		c.Assets.Root = d.Assets.Root
	}
	if c.Assets.MaxAttempts <= 0 {
		c.Assets.MaxAttempts = d.Assets.MaxAttempts
	}
	if c.Assets.TimeoutMinutes <= 0 {
		c.Assets.TimeoutMinutes = d.Assets.TimeoutMinutes
	}
	if c.ICS == nil {
		c.ICS = []ICSConfig{}
	}
}

// StoreTimeout returns the per-request store timeout.
func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.Store.TimeoutSeconds) * time.Second
}

// DownloadTimeout returns the per-attempt asset download timeout.
func (c *Config) DownloadTimeout() time.Duration {
	return time.Duration(c.Assets.TimeoutMinutes) * time.Minute
}

// Location resolves Timezone, falling back to time.Local on error.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// ApplyEnv overrides fields from TOURKITA_* environment variables.
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	c.Normalize()
	return nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML over DefaultConfig
//   - normalize defaults
//
// Environment overrides are applied in both cases.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, cfg.ApplyEnv()
		}
		return nil, err
	}

	// Keys absent from the file keep their defaults, including booleans
	// whose default is true.
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600, since it holds the API key
//     and JWT secret.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tourkita-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
