package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // profile.timezone must resolve on hosts without zoneinfo

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. CROWDWATCH_SERVER_ADDR.
const EnvPrefix = "CROWDWATCH"

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Profile  ProfileConfig  `mapstructure:"profile"`
	Alerts   AlertsConfig   `mapstructure:"alerts"`
	Reporter ReporterConfig `mapstructure:"reporter"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP listener configuration
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig maps reporter identity names to their tokens.
// Identity names are case-insensitive keys and are logged; tokens never are.
type AuthConfig struct {
	Tokens map[string]string `mapstructure:"tokens"`
}

// StorageConfig holds storage and persistence configuration
type StorageConfig struct {
	SnapshotPath    string `mapstructure:"snapshot_path"`
	ReadingsDriver  string `mapstructure:"readings_driver"`
	ReadingsDSN     string `mapstructure:"readings_dsn"`
	FilePermissions string `mapstructure:"file_permissions"`
	DirPermissions  string `mapstructure:"dir_permissions"`
}

// ProfileConfig holds weekly profile configuration
type ProfileConfig struct {
	Timezone    string        `mapstructure:"timezone"`
	BucketWidth time.Duration `mapstructure:"bucket_width"`
}

// AlertsConfig holds operator alert configuration
type AlertsConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
	QueueSize      int           `mapstructure:"queue_size"`
}

// ReporterConfig holds configuration for the crowd-reporter binary
type ReporterConfig struct {
	BaseURL            string        `mapstructure:"base_url"`
	Token              string        `mapstructure:"token"`
	FacilityID         int           `mapstructure:"facility_id"`
	Name               string        `mapstructure:"name"`
	SubName            string        `mapstructure:"sub_name"`
	MaxCapacity        int           `mapstructure:"max_capacity"`
	CountFile          string        `mapstructure:"count_file"`
	Interval           time.Duration `mapstructure:"interval"`
	Timeout            time.Duration `mapstructure:"timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file, .env files and environment variables.
// An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	loadDotEnv(path)

	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Enable environment variable override
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal into Config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// loadDotEnv reads .env from the working directory and next to the config file.
// Variables already set in the environment win.
func loadDotEnv(path string) {
	candidates := []string{".env"}
	if path != "" {
		if p := filepath.Join(filepath.Dir(path), ".env"); p != ".env" {
			candidates = append(candidates, p)
		}
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		_ = godotenv.Load(p)
	}
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Storage defaults
	v.SetDefault("storage.snapshot_path", "./data/facilities.json")
	v.SetDefault("storage.readings_driver", "sqlite")
	v.SetDefault("storage.readings_dsn", "./data/readings.db")
	v.SetDefault("storage.file_permissions", "0644")
	v.SetDefault("storage.dir_permissions", "0755")

	// Profile defaults
	v.SetDefault("profile.timezone", "Local")
	v.SetDefault("profile.bucket_width", "0s")

	// Alert defaults
	v.SetDefault("alerts.telegram.enabled", false)
	v.SetDefault("alerts.telegram.bot_token", "")
	v.SetDefault("alerts.telegram.chat_id", "")
	v.SetDefault("alerts.telegram.max_retries", 3)
	v.SetDefault("alerts.telegram.retry_delay_base", "1s")
	v.SetDefault("alerts.telegram.queue_size", 64)

	// Reporter defaults
	v.SetDefault("reporter.base_url", "http://localhost:8080")
	v.SetDefault("reporter.token", "")
	v.SetDefault("reporter.facility_id", 0)
	v.SetDefault("reporter.name", "")
	v.SetDefault("reporter.sub_name", "")
	v.SetDefault("reporter.max_capacity", 0)
	v.SetDefault("reporter.count_file", "./count.txt")
	v.SetDefault("reporter.interval", "1m")
	v.SetDefault("reporter.timeout", "10s")
	v.SetDefault("reporter.max_retries", 3)
	v.SetDefault("reporter.insecure_skip_verify", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks the settings the server needs
func (c *Config) Validate() error {
	// Validate Server config
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.ShutdownTimeout < time.Second {
		return fmt.Errorf("server.shutdown_timeout must be at least 1 second")
	}

	// Validate Auth config
	if len(c.Auth.Tokens) == 0 {
		return fmt.Errorf("auth.tokens must contain at least one identity")
	}
	seen := make(map[string]bool, len(c.Auth.Tokens))
	for name, token := range c.Auth.Tokens {
		if token == "" {
			return fmt.Errorf("auth.tokens.%s must not be empty", name)
		}
		if seen[token] {
			return fmt.Errorf("auth.tokens must not reuse a token (identity %s)", name)
		}
		seen[token] = true
	}

	// Validate Storage config
	if c.Storage.SnapshotPath == "" {
		return fmt.Errorf("storage.snapshot_path is required")
	}
	switch c.Storage.ReadingsDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.readings_driver must be one of: sqlite, postgres")
	}
	if c.Storage.ReadingsDSN == "" {
		return fmt.Errorf("storage.readings_dsn is required")
	}
	if _, err := c.Storage.FileMode(); err != nil {
		return err
	}
	if _, err := c.Storage.DirMode(); err != nil {
		return err
	}

	// Validate Profile config
	if _, err := c.Profile.Location(); err != nil {
		return err
	}
	if w := c.Profile.BucketWidth; w != 0 {
		if w < time.Minute || w%time.Minute != 0 || (24*time.Hour)%w != 0 {
			return fmt.Errorf("profile.bucket_width must be 0 or a whole number of minutes dividing 24h")
		}
	}

	// Validate Telegram config
	if t := c.Alerts.Telegram; t.Enabled {
		if t.BotToken == "" {
			return fmt.Errorf("alerts.telegram.bot_token is required when telegram is enabled")
		}
		if t.ChatID == "" {
			return fmt.Errorf("alerts.telegram.chat_id is required when telegram is enabled")
		}
		if _, err := strconv.ParseInt(t.ChatID, 10, 64); err != nil {
			return fmt.Errorf("alerts.telegram.chat_id must be numeric")
		}
	}

	return c.validateLogging()
}

// ValidateReporter checks the settings the crowd-reporter binary needs
func (c *Config) ValidateReporter() error {
	r := c.Reporter
	if r.BaseURL == "" {
		return fmt.Errorf("reporter.base_url is required")
	}
	if !strings.HasPrefix(r.BaseURL, "http://") && !strings.HasPrefix(r.BaseURL, "https://") {
		return fmt.Errorf("reporter.base_url must start with http:// or https://")
	}
	if r.Token == "" {
		return fmt.Errorf("reporter.token is required")
	}
	if r.MaxCapacity < 0 {
		return fmt.Errorf("reporter.max_capacity must not be negative")
	}
	if r.CountFile == "" {
		return fmt.Errorf("reporter.count_file is required")
	}
	if r.Interval < 10*time.Second {
		return fmt.Errorf("reporter.interval must be at least 10 seconds")
	}
	if r.MaxRetries < 1 {
		return fmt.Errorf("reporter.max_retries must be at least 1")
	}
	return c.validateLogging()
}

func (c *Config) validateLogging() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}
	return nil
}

// FileMode parses file_permissions as an octal mode.
func (s StorageConfig) FileMode() (os.FileMode, error) {
	return parseMode("storage.file_permissions", s.FilePermissions)
}

// DirMode parses dir_permissions as an octal mode.
func (s StorageConfig) DirMode() (os.FileMode, error) {
	return parseMode("storage.dir_permissions", s.DirPermissions)
}

func parseMode(key, s string) (os.FileMode, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0o"), "0O")
	m, err := strconv.ParseUint(s, 8, 32)
	if err != nil || m > 0o777 {
		return 0, fmt.Errorf("%s must be an octal permission such as 0644", key)
	}
	return os.FileMode(m), nil
}

// Location resolves the profile timezone.
func (p ProfileConfig) Location() (*time.Location, error) {
	switch p.Timezone {
	case "", "Local":
		return time.Local, nil
	case "UTC":
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("profile.timezone %q is not a valid IANA zone", p.Timezone), err)
	}
	return loc, nil
}
