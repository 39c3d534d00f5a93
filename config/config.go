// Package config provides configuration for loom repositories and the
// loom command.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"loom/diff"
)

// Config holds repository and tool configuration.
type Config struct {
	// DataDir is the root directory for repository databases.
	DataDir  string         `toml:"data_dir" yaml:"data_dir"`
	Author   AuthorConfig   `toml:"author" yaml:"author"`
	Diff     DiffConfig     `toml:"diff" yaml:"diff"`
	Merge    MergeConfig    `toml:"merge" yaml:"merge"`
	Cache    CacheConfig    `toml:"cache" yaml:"cache"`
	Refresh  RefreshConfig  `toml:"refresh" yaml:"refresh"`
	Registry RegistryConfig `toml:"registry" yaml:"registry"`
	Record   RecordConfig   `toml:"record" yaml:"record"`
	Log      LogConfig      `toml:"log" yaml:"log"`
}

// AuthorConfig is the identity written into recorded changes.
type AuthorConfig struct {
	Name  string `toml:"name" yaml:"name"`
	Email string `toml:"email" yaml:"email"`
}

// String formats the author as "Name <email>".
func (a AuthorConfig) String() string {
	if a.Email == "" {
		return a.Name
	}
	return a.Name + " <" + a.Email + ">"
}

type DiffConfig struct {
	// Algorithm is "myers" or "matcher".
	Algorithm string `toml:"algorithm" yaml:"algorithm"`
}

type MergeConfig struct {
	// StrictAppends reports concurrent appends at end of file as conflicts.
	StrictAppends bool `toml:"strict_appends" yaml:"strict_appends"`
	// Parallelism bounds the files materialized at once (0 = GOMAXPROCS).
	Parallelism int `toml:"parallelism" yaml:"parallelism"`
}

type CacheConfig struct {
	// Changes is the number of decoded changes kept per repository.
	Changes int `toml:"changes" yaml:"changes"`
	// OutputMaxCost bounds the materialized outputs kept in memory, in bytes.
	OutputMaxCost int64 `toml:"output_max_cost" yaml:"output_max_cost"`
}

type RefreshConfig struct {
	Enabled bool `toml:"enabled" yaml:"enabled"`
	// IntervalMs is the poll interval of the refresh worker.
	IntervalMs int `toml:"interval_ms" yaml:"interval_ms"`
}

// Interval returns the poll interval.
func (r RefreshConfig) Interval() time.Duration {
	return time.Duration(r.IntervalMs) * time.Millisecond
}

type RegistryConfig struct {
	// MaxOpen is the number of repositories kept open.
	MaxOpen int `toml:"max_open" yaml:"max_open"`
	// IdleTTLSec is how long an unused repository stays open.
	IdleTTLSec int `toml:"idle_ttl_sec" yaml:"idle_ttl_sec"`
}

// IdleTTL returns the idle time-to-live.
func (r RegistryConfig) IdleTTL() time.Duration {
	return time.Duration(r.IdleTTLSec) * time.Second
}

type RecordConfig struct {
	// Ignore lists doublestar patterns never recorded.
	Ignore []string `toml:"ignore" yaml:"ignore"`
}

type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `toml:"level" yaml:"level"`
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		Author:  AuthorConfig{Name: "anonymous"},
		Diff:    DiffConfig{Algorithm: string(diff.Myers)},
		Cache: CacheConfig{
			Changes:       4096,
			OutputMaxCost: 64 << 20,
		},
		Refresh: RefreshConfig{Enabled: true, IntervalMs: 500},
		Registry: RegistryConfig{
			MaxOpen:    256,
			IdleTTLSec: 600,
		},
		Log: LogConfig{Level: "info"},
	}
}

// FromEnv creates a Config from defaults and LOOM_* environment
// variables.
func FromEnv() *Config {
	cfg := Default()
	cfg.ApplyEnv()
	return cfg
}

// Load reads a TOML or YAML file (chosen by extension) over the defaults,
// applies environment overrides and validates the result. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading config: %w", err)
	default:
		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".toml":
			if _, err := toml.Decode(string(data), cfg); err != nil {
				return nil, fmt.Errorf("decoding TOML config: %w", err)
			}
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("decoding YAML config: %w", err)
			}
		default:
			return nil, fmt.Errorf("unsupported config format %q", ext)
		}
	}

	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from LOOM_* environment variables.
func (c *Config) ApplyEnv() {
	c.DataDir = getEnv("LOOM_DATA", c.DataDir)
	c.Author.Name = getEnv("LOOM_AUTHOR", c.Author.Name)
	c.Author.Email = getEnv("LOOM_EMAIL", c.Author.Email)
	c.Diff.Algorithm = getEnv("LOOM_DIFF", c.Diff.Algorithm)
	c.Merge.StrictAppends = getEnvBool("LOOM_STRICT_APPENDS", c.Merge.StrictAppends)
	c.Merge.Parallelism = getEnvInt("LOOM_PARALLELISM", c.Merge.Parallelism)
	c.Cache.Changes = getEnvInt("LOOM_CHANGE_CACHE", c.Cache.Changes)
	c.Cache.OutputMaxCost = getEnvInt64("LOOM_OUTPUT_CACHE_BYTES", c.Cache.OutputMaxCost)
	c.Refresh.Enabled = getEnvBool("LOOM_REFRESH", c.Refresh.Enabled)
	if d, ok := getEnvDuration("LOOM_REFRESH_INTERVAL"); ok {
		c.Refresh.IntervalMs = int(d / time.Millisecond)
	}
	c.Registry.MaxOpen = getEnvInt("LOOM_MAX_OPEN", c.Registry.MaxOpen)
	if d, ok := getEnvDuration("LOOM_IDLE_TTL"); ok {
		c.Registry.IdleTTLSec = int(d / time.Second)
	}
	if v := os.Getenv("LOOM_RECORD_IGNORE"); v != "" {
		c.Record.Ignore = strings.Split(v, ",")
	}
	c.Log.Level = getEnv("LOOM_LOG_LEVEL", c.Log.Level)
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if _, err := diff.ParseAlgorithm(c.Diff.Algorithm); err != nil {
		errs = append(errs, err)
	}
	if c.Merge.Parallelism < 0 {
		errs = append(errs, errors.New("merge.parallelism must not be negative"))
	}
	if c.Cache.Changes <= 0 {
		errs = append(errs, errors.New("cache.changes must be positive"))
	}
	if c.Cache.OutputMaxCost < 0 {
		errs = append(errs, errors.New("cache.output_max_cost must not be negative"))
	}
	if c.Refresh.Enabled && c.Refresh.IntervalMs <= 0 {
		errs = append(errs, errors.New("refresh.interval_ms must be positive"))
	}
	if c.Registry.MaxOpen <= 0 {
		errs = append(errs, errors.New("registry.max_open must be positive"))
	}
	if c.Registry.IdleTTLSec < 0 {
		errs = append(errs, errors.New("registry.idle_ttl_sec must not be negative"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Log.Level))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string) (time.Duration, bool) {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d, true
		}
	}
	return 0, false
}
