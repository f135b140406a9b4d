// Package config loads errorkb configuration.
//
// Values come from Default, then an optional YAML file, then ERRORKB_*
// environment variables. Each section maps onto one component; the commands
// translate sections into component options.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

// Central modes.
const (
	CentralModeHTTP   = "http"
	CentralModeDirect = "direct"
)

// Config is the complete errorkb configuration.
type Config struct {
	Store         StoreConfig         `koanf:"store"`
	Central       CentralConfig       `koanf:"central"`
	Sync          SyncConfig          `koanf:"sync"`
	Matcher       MatcherConfig       `koanf:"matcher"`
	Server        ServerConfig        `koanf:"server"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
	Secrets       SecretsConfig       `koanf:"secrets"`
}

// StoreConfig configures the local pattern store.
type StoreConfig struct {
	Path               string   `koanf:"path"`
	CheckpointInterval Duration `koanf:"checkpoint_interval"`
	ReadConns          int      `koanf:"read_conns"`

	// SeedsDir holds framework seed packs. Empty means a seeds directory
	// next to the database.
	SeedsDir string `koanf:"seeds_dir"`
}

// SeedsPath returns the directory searched for framework seed packs.
func (s StoreConfig) SeedsPath() string {
	if s.SeedsDir != "" {
		return s.SeedsDir
	}
	return filepath.Join(filepath.Dir(s.Path), "seeds")
}

// CentralConfig says how to reach the central pattern store. Mode "http"
// talks to errorkbd at BaseURL; mode "direct" opens the database itself. An
// empty mode disables sync.
type CentralConfig struct {
	Mode    string   `koanf:"mode"`
	BaseURL string   `koanf:"base_url"`
	Token   Secret   `koanf:"token"`
	Timeout Duration `koanf:"timeout"`

	Driver         string  `koanf:"driver"`
	DSN            Secret  `koanf:"dsn"`
	MaxOpenConns   int     `koanf:"max_open_conns"`
	MergeThreshold float64 `koanf:"merge_threshold"`
	LogSQL         bool    `koanf:"log_sql"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	Enabled          bool     `koanf:"enabled"`
	Interval         Duration `koanf:"interval"`
	PatternTimeout   Duration `koanf:"pattern_timeout"`
	MaxAttempts      int      `koanf:"max_attempts"`
	InitialBackoff   Duration `koanf:"initial_backoff"`
	MaxBackoff       Duration `koanf:"max_backoff"`
	BreakerThreshold int      `koanf:"breaker_threshold"`
	BreakerReset     Duration `koanf:"breaker_reset"`
	RateLimit        float64  `koanf:"rate_limit"`
	RateBurst        int      `koanf:"rate_burst"`
}

// MatcherConfig tunes similarity matching.
type MatcherConfig struct {
	Threshold   float64 `koanf:"threshold"`
	SearchLimit int     `koanf:"search_limit"`
}

// ServerConfig configures the errorkbd HTTP server.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	Token           Secret   `koanf:"token"`
	Metrics         bool     `koanf:"metrics"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig selects log level and encoding.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Redact bool   `koanf:"redact"`
}

// ObservabilityConfig configures OpenTelemetry export.
type ObservabilityConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	Insecure    bool    `koanf:"insecure"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// SecretsConfig controls scrubbing of captured error text.
type SecretsConfig struct {
	Enabled         bool     `koanf:"enabled"`
	RedactionString string   `koanf:"redaction_string"`
	AllowList       []string `koanf:"allow_list"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Path:               ".errorkb/patterns.db",
			CheckpointInterval: Duration(5 * time.Minute),
			ReadConns:          4,
		},
		Central: CentralConfig{
			Timeout:        Duration(10 * time.Second),
			Driver:         "postgres",
			MaxOpenConns:   10,
			MergeThreshold: 0.8,
		},
		Sync: SyncConfig{
			Enabled:          true,
			Interval:         Duration(15 * time.Minute),
			PatternTimeout:   Duration(30 * time.Second),
			MaxAttempts:      3,
			InitialBackoff:   Duration(time.Second),
			MaxBackoff:       Duration(30 * time.Second),
			BreakerThreshold: 5,
			BreakerReset:     Duration(5 * time.Minute),
			RateLimit:        10,
			RateBurst:        5,
		},
		Matcher: MatcherConfig{
			Threshold:   0.3,
			SearchLimit: 10,
		},
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9090,
			ShutdownTimeout: Duration(10 * time.Second),
			Metrics:         true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Redact: true,
		},
		Observability: ObservabilityConfig{
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			Insecure:    true,
			ServiceName: "errorkb",
			SampleRate:  1,
		},
		Secrets: SecretsConfig{
			Enabled:         true,
			RedactionString: "[REDACTED]",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Store.Path) == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	if c.Store.ReadConns < 1 {
		errs = append(errs, fmt.Errorf("store.read_conns must be >= 1, got %d", c.Store.ReadConns))
	}

	switch c.Central.Mode {
	case "":
	case CentralModeHTTP:
		u, err := url.Parse(c.Central.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("central.base_url must be an http(s) URL, got %q", c.Central.BaseURL))
		}
	case CentralModeDirect:
		if !c.Central.DSN.IsSet() {
			errs = append(errs, errors.New("central.dsn is required in direct mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("central.mode must be %q, %q, or empty, got %q",
			CentralModeHTTP, CentralModeDirect, c.Central.Mode))
	}
	if c.Central.MergeThreshold <= 0 || c.Central.MergeThreshold > 1 {
		errs = append(errs, fmt.Errorf("central.merge_threshold must be in (0, 1], got %v", c.Central.MergeThreshold))
	}

	if c.Sync.Enabled && c.Sync.Interval.Duration() < time.Second {
		errs = append(errs, fmt.Errorf("sync.interval must be at least 1s, got %s", c.Sync.Interval.Duration()))
	}
	if c.Sync.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("sync.max_attempts must be >= 1, got %d", c.Sync.MaxAttempts))
	}
	if c.Sync.RateLimit < 0 {
		errs = append(errs, errors.New("sync.rate_limit cannot be negative"))
	}

	if c.Matcher.Threshold <= 0 || c.Matcher.Threshold > 1 {
		errs = append(errs, fmt.Errorf("matcher.threshold must be in (0, 1], got %v", c.Matcher.Threshold))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format))
	}

	if c.Observability.Enabled && c.Observability.ServiceName == "" {
		errs = append(errs, errors.New("observability.service_name required when telemetry is enabled"))
	}

	return errors.Join(errs...)
}
