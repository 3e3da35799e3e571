package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the YAML file configuration for the CLI embedding. Library
// callers configure the client directly; this layer only exists as glue.
type Config struct {
	Target     TargetConfig     `yaml:"target"`
	Instrument InstrumentConfig `yaml:"instrument"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// TargetConfig gates which URLs take part in negotiation.
type TargetConfig struct {
	// AllowOrigins limits negotiation to these origins; empty allows all.
	AllowOrigins []string `yaml:"allow_origins"`
}

// InstrumentConfig mirrors instrument.Options.
type InstrumentConfig struct {
	MaxDepth         int      `yaml:"max_depth"`
	TrackArrayAccess bool     `yaml:"track_array_access"`
	ExcludePaths     []string `yaml:"exclude_paths"`
}

// TelemetryConfig mirrors the client's telemetry options.
type TelemetryConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Endpoint        string  `yaml:"endpoint"`
	BatchIntervalMs int     `yaml:"batch_interval_ms"`
	MaxBatchSize    int     `yaml:"max_batch_size"`
	SampleRate      float64 `yaml:"sample_rate"`
	PathsMode       string  `yaml:"paths_mode"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Instrument: InstrumentConfig{
			MaxDepth: DefaultMaxDepth,
		},
		Telemetry: TelemetryConfig{
			BatchIntervalMs: DefaultBatchIntervalMs,
			MaxBatchSize:    DefaultMaxBatchSize,
			SampleRate:      DefaultSampleRate,
			PathsMode:       DefaultPathsMode,
		},
		Logging: LoggingConfig{
			Level:      DefaultLogLevel,
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   true,
		},
	}
}

// Load reads a YAML config file over the defaults, then applies environment
// overrides. An empty path returns defaults with overrides only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if v := os.Getenv("SYNPATICO_TELEMETRY_ENDPOINT"); v != "" {
		cfg.Telemetry.Endpoint = v
		cfg.Telemetry.Enabled = true
	}
	if v := os.Getenv("SYNPATICO_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Telemetry.PathsMode {
	case "", "strings", "ordinals":
	default:
		return fmt.Errorf("config: paths_mode %q, want strings or ordinals", c.Telemetry.PathsMode)
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("config: sample_rate %v out of range [0,1]", c.Telemetry.SampleRate)
	}
	return nil
}

// ShouldOptimize builds the target predicate from the allow list.
// Returns nil when every origin is allowed.
func (c *Config) ShouldOptimize() func(*url.URL) bool {
	if len(c.Target.AllowOrigins) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(c.Target.AllowOrigins))
	for _, origin := range c.Target.AllowOrigins {
		allowed[strings.ToLower(strings.TrimSuffix(origin, "/"))] = struct{}{}
	}
	return func(u *url.URL) bool {
		_, ok := allowed[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}
