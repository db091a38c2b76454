// Package config loads scenesmith configuration: defaults, merged with a
// YAML file, overridden by environment variables, then validated.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values exported for documentation and validation
const (
	DefaultListenAddr         = "127.0.0.1:8711"
	DefaultDatabaseFile       = "scenesmith.db"
	DefaultStepTimeout        = 2 * time.Minute
	DefaultTaskTimeout        = 30 * time.Minute
	DefaultStaleThreshold     = 10 * time.Minute
	DefaultReapInterval       = time.Minute
	DefaultMaxRetries         = 3
	DefaultInitialBackoff     = 2 * time.Second
	DefaultMaxBackoff         = 2 * time.Minute
	DefaultBackoffMultiplier  = 2.0
	DefaultMaxFixAttempts     = 3
	DefaultEventBufferPerTask = 256
)

// Config is the complete scenesmith configuration.
type Config struct {
	Server      ServerConfig   `yaml:"server"`
	Storage     StorageConfig  `yaml:"storage"`
	Bus         BusConfig      `yaml:"bus"`
	Pipeline    PipelineConfig `yaml:"pipeline"`
	RetryPolicy RetryPolicy    `yaml:"retry_policy"`
	Logging     LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	// Addr is the listen address, host:port.
	Addr string `yaml:"addr"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	// DataDir is the root for the database and logs.
	DataDir string `yaml:"data_dir"`

	// DatabaseFile is the SQLite filename inside DataDir. ":memory:"
	// selects an ephemeral database.
	DatabaseFile string `yaml:"database_file"`
}

// BusConfig selects the event transport.
type BusConfig struct {
	// NATSURL enables the NATS bus when set; empty runs in-memory.
	NATSURL string `yaml:"nats_url"`
}

// PipelineConfig holds the orchestrator tunables.
type PipelineConfig struct {
	StepTimeout    time.Duration `yaml:"step_timeout"`
	TaskTimeout    time.Duration `yaml:"task_timeout"`
	StaleThreshold time.Duration `yaml:"stale_threshold"`
	ReapInterval   time.Duration `yaml:"reap_interval"`
	MaxFixAttempts int           `yaml:"max_fix_attempts"`
}

// RetryPolicy defines the backoff for transient step failures.
type RetryPolicy struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
}

// LoggingConfig holds structured-log settings.
type LoggingConfig struct {
	// Dir is the JSONL log directory; defaults under DataDir.
	Dir string `yaml:"dir"`

	// Level is the minimum level written: debug, info, warn, error.
	Level string `yaml:"level"`
}

// DefaultConfig returns the configuration used when nothing is specified.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: DefaultListenAddr,
		},
		Storage: StorageConfig{
			DataDir:      defaultDataDir(),
			DatabaseFile: DefaultDatabaseFile,
		},
		Pipeline: PipelineConfig{
			StepTimeout:    DefaultStepTimeout,
			TaskTimeout:    DefaultTaskTimeout,
			StaleThreshold: DefaultStaleThreshold,
			ReapInterval:   DefaultReapInterval,
			MaxFixAttempts: DefaultMaxFixAttempts,
		},
		RetryPolicy: RetryPolicy{
			MaxRetries:     DefaultMaxRetries,
			InitialBackoff: DefaultInitialBackoff,
			MaxBackoff:     DefaultMaxBackoff,
			Multiplier:     DefaultBackoffMultiplier,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = os.Getenv("HOME")
	}
	if home == "" {
		return ".scenesmith"
	}
	return filepath.Join(home, ".scenesmith")
}

// Load builds the configuration: defaults, then ./scenesmith.yaml if it
// exists, then environment overrides, then validation.
func Load() (*Config, error) {
	return load("scenesmith.yaml", true)
}

// LoadFromPath loads configuration from a specific file path.
func LoadFromPath(path string) (*Config, error) {
	return load(path, false)
}

func load(path string, optional bool) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadAndMerge(cfg, path); err != nil {
		if !optional || !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading config from %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SCENESMITH_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("SCENESMITH_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SCENESMITH_DB_FILE"); v != "" {
		cfg.Storage.DatabaseFile = v
	}
	if v := os.Getenv("SCENESMITH_NATS_URL"); v != "" {
		cfg.Bus.NATSURL = v
	}
	if v := os.Getenv("SCENESMITH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SCENESMITH_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetryPolicy.MaxRetries = n
		}
	}
	if v := os.Getenv("SCENESMITH_STEP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pipeline.StepTimeout = d
		}
	}
	if v := os.Getenv("SCENESMITH_TASK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pipeline.TaskTimeout = d
		}
	}
}

// Validate checks invariants the rest of the system assumes.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		return fmt.Errorf("server.addr %q: %w", c.Server.Addr, err)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir must not be empty")
	}
	if c.Storage.DatabaseFile == "" {
		return fmt.Errorf("storage.database_file must not be empty")
	}
	if c.RetryPolicy.MaxRetries < 0 {
		return fmt.Errorf("retry_policy.max_retries must not be negative")
	}
	if c.RetryPolicy.InitialBackoff <= 0 {
		return fmt.Errorf("retry_policy.initial_backoff must be positive")
	}
	if c.RetryPolicy.MaxBackoff < c.RetryPolicy.InitialBackoff {
		return fmt.Errorf("retry_policy.max_backoff must be >= initial_backoff")
	}
	if c.RetryPolicy.Multiplier < 1 {
		return fmt.Errorf("retry_policy.multiplier must be >= 1")
	}
	if c.Pipeline.StepTimeout <= 0 || c.Pipeline.TaskTimeout <= 0 {
		return fmt.Errorf("pipeline timeouts must be positive")
	}
	if c.Pipeline.TaskTimeout < c.Pipeline.StepTimeout {
		return fmt.Errorf("pipeline.task_timeout must be >= step_timeout")
	}
	if c.Pipeline.StaleThreshold <= 0 || c.Pipeline.ReapInterval <= 0 {
		return fmt.Errorf("pipeline reaper settings must be positive")
	}
	if c.Pipeline.MaxFixAttempts < 0 {
		return fmt.Errorf("pipeline.max_fix_attempts must not be negative")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug/info/warn/error", c.Logging.Level)
	}
	return nil
}

// DatabasePath returns the full SQLite path, honoring ":memory:".
func (c *Config) DatabasePath() string {
	if c.Storage.DatabaseFile == ":memory:" {
		return ":memory:"
	}
	return filepath.Join(c.Storage.DataDir, c.Storage.DatabaseFile)
}

// LogDir returns the structured-log directory.
func (c *Config) LogDir() string {
	if c.Logging.Dir != "" {
		return c.Logging.Dir
	}
	return filepath.Join(c.Storage.DataDir, "logs")
}
