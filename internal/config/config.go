// Package config handles the daemon's configuration file and
// platform-specific path resolution.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config represents the icinga2 configuration file.
type Config struct {
	Daemon   DaemonConfig   `toml:"daemon"`
	Logging  LoggingConfig  `toml:"logging"`
	Perfdata PerfdataConfig `toml:"perfdata"`
}

// DaemonConfig contains daemon-related settings.
type DaemonConfig struct {
	// RunDir overrides the platform runtime directory holding the
	// control socket when set.
	RunDir string `toml:"run_dir"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json
}

// PerfdataConfig configures the InfluxDB perfdata writer. The API
// version follows from the fields: a bucket selects the v2 write
// endpoint, a database the v1 one.
type PerfdataConfig struct {
	Enabled        bool   `toml:"enabled"`
	URL            string `toml:"url"`
	FlushInterval  int    `toml:"flush_interval"`  // seconds
	FlushThreshold int    `toml:"flush_threshold"` // buffered lines

	// InfluxDB v1
	Database string `toml:"database"`
	Username string `toml:"username"`
	Password string `toml:"password"`

	// InfluxDB v2
	Organization string `toml:"organization"`
	Bucket       string `toml:"bucket"`
	AuthToken    string `toml:"auth_token"`
}

// Default returns a config with sensible defaults.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Perfdata: PerfdataConfig{
			FlushInterval:  10,
			FlushThreshold: 1024,
		},
	}
}

// Load loads the configuration from the default config file.
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, fmt.Errorf("get paths: %w", err)
	}
	return LoadFrom(paths.ConfigFile)
}

// LoadFrom loads the configuration from a specific file. A missing
// file yields the defaults.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %q", c.Logging.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %q", c.Logging.Format)
	}

	if err := c.Perfdata.Validate(); err != nil {
		return err
	}
	return nil
}

// Validate checks the perfdata settings; a disabled writer is always
// valid.
func (c *PerfdataConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.URL == "" {
		return fmt.Errorf("perfdata: url is required")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("perfdata: flush_interval must be positive, got %d", c.FlushInterval)
	}
	if c.FlushThreshold <= 0 {
		return fmt.Errorf("perfdata: flush_threshold must be positive, got %d", c.FlushThreshold)
	}

	switch {
	case c.Database != "" && c.Bucket != "":
		return fmt.Errorf("perfdata: database (v1) and bucket (v2) are mutually exclusive")
	case c.Database == "" && c.Bucket == "":
		return fmt.Errorf("perfdata: either database (v1) or bucket (v2) is required")
	case c.Bucket != "" && (c.Organization == "" || c.AuthToken == ""):
		return fmt.Errorf("perfdata: organization and auth_token are required with bucket")
	}
	return nil
}
