package config

import (
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"

	"github.com/livinlefevreloca/refimport/internal/controller"
	"github.com/livinlefevreloca/refimport/internal/db"
	"github.com/livinlefevreloca/refimport/internal/pipeline"
	"github.com/livinlefevreloca/refimport/internal/source"
)

// Config represents the application configuration
type Config struct {
	Database   db.Config               `toml:"database"`
	Pipeline   pipeline.Config         `toml:"pipeline"`
	Controller controller.Config       `toml:"controller"`
	HTTP       source.ClientConfig     `toml:"http"`
	Sources    map[string]SourceConfig `toml:"sources"`
	Logging    LoggingConfig           `toml:"logging"`
}

// SourceConfig locates the upstream of one importer. Location is a local
// path or an http(s) URL.
type SourceConfig struct {
	Location  string `toml:"location"`
	BatchSize int    `toml:"batch_size"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// SlogLevel returns the configured level, info when unset
func (l LoggingConfig) SlogLevel() slog.Level {
	if level, ok := logLevels[l.Level]; ok {
		return level
	}
	return slog.LevelInfo
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database: db.Config{
			Driver:          "sqlite3",
			DSN:             "refimport.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Pipeline:   pipeline.DefaultConfig(),
		Controller: controller.DefaultConfig(),
		HTTP:       source.DefaultClientConfig(),
		Sources:    map[string]SourceConfig{},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a TOML file on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, errors.Newf("config file does not exist: %s", path)
	}

	md, err := toml.DecodeFile(path, config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, errors.Newf("unknown config keys: %v", keys)
	}

	return config, nil
}

// LoadConfig returns the defaults when configPath is empty, the file's
// configuration otherwise. Command-line flags are applied by the caller.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		return DefaultConfig(), nil
	}
	return LoadFromFile(configPath)
}

// ControllerConfig returns the controller settings with the pipeline section
// folded in
func (c *Config) ControllerConfig() controller.Config {
	cc := c.Controller
	cc.Pipeline = c.Pipeline
	return cc
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Database
	if c.Database.Driver == "" {
		return errors.New("database driver must be specified")
	}
	if c.Database.Driver != "sqlite3" && c.Database.Driver != "postgres" {
		return errors.Newf("unsupported database driver: %s (must be sqlite3 or postgres)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database DSN must be specified")
	}

	if err := pipeline.ValidateConfig(c.Pipeline); err != nil {
		return errors.Wrap(err, "pipeline")
	}

	// Controller
	if c.Controller.MaxConcurrentRuns <= 0 {
		return errors.New("controller max_concurrent_runs must be positive")
	}
	if c.Controller.OrphanAfter <= 0 {
		return errors.New("controller orphan_after must be positive")
	}

	// HTTP
	if c.HTTP.Timeout <= 0 {
		return errors.New("http timeout must be positive")
	}
	if c.HTTP.MaxRetries < 0 {
		return errors.New("http max_retries must not be negative")
	}
	if c.HTTP.RateLimit <= 0 {
		return errors.New("http rate_limit must be positive")
	}
	if c.HTTP.RateBurst <= 0 {
		return errors.New("http rate_burst must be positive")
	}

	for name, src := range c.Sources {
		if src.BatchSize < 0 {
			return errors.Newf("sources.%s batch_size must not be negative", name)
		}
	}

	// Logging
	if _, ok := logLevels[c.Logging.Level]; !ok {
		return errors.Newf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return errors.Newf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	return nil
}
