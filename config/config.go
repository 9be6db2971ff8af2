// Package config loads bridge configuration from YAML.
package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/wasm-stdio-bridge/errors"
)

// MaxFileSize limits config input (1 MB).
const MaxFileSize = 1 << 20

// Config holds all configuration for the commands.
type Config struct {
	Engine EngineConfig `yaml:"engine"`
	Run    RunConfig    `yaml:"run"`
	Log    LogConfig    `yaml:"log"`
	Server ServerConfig `yaml:"server"`
}

// EngineConfig selects and tunes the WASM engine.
type EngineConfig struct {
	Env              map[string]string `yaml:"env"`
	WASM             string            `yaml:"wasm"`        // path to the command module
	ProgramName      string            `yaml:"programName"` // argv[0] (default "gs")
	CacheDir         string            `yaml:"cacheDir"`    // compilation cache (empty = none)
	MemoryLimitPages uint32            `yaml:"memoryLimitPages"`
	Threads          bool              `yaml:"threads"`
}

// RunConfig applies to every run.
type RunConfig struct {
	Timeout     string   `yaml:"timeout"` // Go duration, empty = no limit
	TempDir     string   `yaml:"tempDir"`
	DefaultArgs []string `yaml:"defaultArgs"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `yaml:"level"` // debug, info, warn, error
	Development bool   `yaml:"development"`
}

// ServerConfig configures the WebSocket front end.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	AllowedOrigins  []string `yaml:"allowedOrigins"` // empty = same origin only
	MaxMessageBytes int64    `yaml:"maxMessageBytes"`
	MaxRuns         int      `yaml:"maxRuns"` // concurrent runs, 0 = unlimited
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			ProgramName: "gs",
		},
		Log: LogConfig{
			Level: "info",
		},
		Server: ServerConfig{
			Addr:            "127.0.0.1:8080",
			MaxMessageBytes: 64 << 20,
		},
	}
}

// Load reads path and overlays it on Default. Unknown fields are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if stderrors.Is(err, os.ErrNotExist) {
			return nil, errors.NotFound(errors.PhaseConfig, "config file", path)
		}
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "read config")
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML data over Default and validates the result.
func Parse(data []byte) (*Config, error) {
	if len(data) > MaxFileSize {
		return nil, errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Detail("config exceeds %d bytes", MaxFileSize).
			Build()
	}
	cfg := Default()
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := yaml.UnmarshalWithOptions(data, cfg, yaml.Strict()); err != nil {
			return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "parse config")
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field values.
func (c *Config) Validate() error {
	if _, err := c.Run.TimeoutDuration(); err != nil {
		return invalid("run.timeout", err.Error())
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return invalid("log.level", fmt.Sprintf("unknown level %q", c.Log.Level))
	}
	if c.Server.MaxMessageBytes < 0 {
		return invalid("server.maxMessageBytes", "must not be negative")
	}
	if c.Server.MaxRuns < 0 {
		return invalid("server.maxRuns", "must not be negative")
	}
	for k := range c.Engine.Env {
		if k == "" || strings.ContainsRune(k, '=') {
			return invalid("engine.env", fmt.Sprintf("invalid variable name %q", k))
		}
	}
	return nil
}

func invalid(field, detail string) error {
	return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
		Path(field).
		Detail("%s", detail).
		Build()
}

// NewLogger builds a zap logger writing to stderr at the configured level.
func (l LogConfig) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, invalid("log.level", err.Error())
	}
	zc := zap.NewProductionConfig()
	if l.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// TimeoutDuration parses Timeout. Empty means no limit.
func (r RunConfig) TimeoutDuration() (time.Duration, error) {
	if r.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(r.Timeout)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", d)
	}
	return d, nil
}

// Marshal encodes c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
