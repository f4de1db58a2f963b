// Package config loads and validates the relay's file configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/taskrelay/taskrelay/internal/domain"
)

// RuntimeConfig defines how a worker launches the external agent runtime.
type RuntimeConfig struct {
	Command string            `json:"command" yaml:"command" toml:"command"`
	Args    []string          `json:"args" yaml:"args" toml:"args"`
	Env     map[string]string `json:"env" yaml:"env" toml:"env"`
}

// CodebaseConfig is a codebase a worker registers pinned to itself.
type CodebaseConfig struct {
	Name        string `json:"name" yaml:"name" toml:"name"`
	Path        string `json:"path" yaml:"path" toml:"path"`
	Description string `json:"description" yaml:"description" toml:"description"`
}

// WorkerConfig holds the settings of the worker daemon.
type WorkerConfig struct {
	ServerURL            string           `json:"server_url" yaml:"server_url" toml:"server_url"`
	WorkerID             string           `json:"worker_id" yaml:"worker_id" toml:"worker_id"`
	Name                 string           `json:"name" yaml:"name" toml:"name"`
	Capabilities         []string         `json:"capabilities" yaml:"capabilities" toml:"capabilities"`
	Codebases            []CodebaseConfig `json:"codebases" yaml:"codebases" toml:"codebases"`
	Runtime              RuntimeConfig    `json:"runtime" yaml:"runtime" toml:"runtime"`
	PollIntervalSec      int              `json:"poll_interval_sec" yaml:"poll_interval_sec" toml:"poll_interval_sec"`
	HeartbeatIntervalSec int              `json:"heartbeat_interval_sec" yaml:"heartbeat_interval_sec" toml:"heartbeat_interval_sec"`
}

// Config holds the relay's runtime configuration.
type Config struct {
	DBPath              string       `json:"db_path" yaml:"db_path" toml:"db_path"`
	ListenAddr          string       `json:"listen_addr" yaml:"listen_addr" toml:"listen_addr"`
	HeartbeatTimeoutSec int          `json:"heartbeat_timeout_sec" yaml:"heartbeat_timeout_sec" toml:"heartbeat_timeout_sec"`
	SweepIntervalSec    int          `json:"sweep_interval_sec" yaml:"sweep_interval_sec" toml:"sweep_interval_sec"`
	MaxRetries          *int         `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
	AllowUnpinned       *bool        `json:"allow_unpinned" yaml:"allow_unpinned" toml:"allow_unpinned"`
	SubscriberQueueSize int          `json:"subscriber_queue_size" yaml:"subscriber_queue_size" toml:"subscriber_queue_size"`
	BusBackend          string       `json:"bus_backend" yaml:"bus_backend" toml:"bus_backend"`
	BusPollIntervalMS   int          `json:"bus_poll_interval_ms" yaml:"bus_poll_interval_ms" toml:"bus_poll_interval_ms"`
	BusRetentionSec     int          `json:"bus_retention_sec" yaml:"bus_retention_sec" toml:"bus_retention_sec"`
	PollRatePerSec      float64      `json:"poll_rate_per_sec" yaml:"poll_rate_per_sec" toml:"poll_rate_per_sec"`
	PollBurst           int          `json:"poll_burst" yaml:"poll_burst" toml:"poll_burst"`
	LogLevel            string       `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat           string       `json:"log_format" yaml:"log_format" toml:"log_format"`
	Worker              WorkerConfig `json:"worker" yaml:"worker" toml:"worker"`
}

// Bus backends.
const (
	BusMemory = "memory"
	BusSQLite = "sqlite"
)

// Load reads a config file, applies defaults, and validates. The decoder is
// chosen by extension: .json/.jsonc, .yaml/.yml or .toml.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg, err := parse(path, data)
	if err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func parse(path string, data []byte) (*Config, error) {
	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json", ".jsonc", "":
		if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
			return nil, fmt.Errorf("parse config JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config TOML: %w", err)
		}
	default:
		return nil, domain.Errorf(domain.ErrConfigInvalid, "unsupported config extension %q", ext)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = "taskrelay.db"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":9800"
	}
	if c.HeartbeatTimeoutSec == 0 {
		c.HeartbeatTimeoutSec = 30
	}
	if c.SweepIntervalSec == 0 {
		c.SweepIntervalSec = 10
	}
	if c.MaxRetries == nil {
		n := 3
		c.MaxRetries = &n
	}
	if c.AllowUnpinned == nil {
		b := true
		c.AllowUnpinned = &b
	}
	if c.SubscriberQueueSize == 0 {
		c.SubscriberQueueSize = 256
	}
	if c.BusBackend == "" {
		c.BusBackend = BusMemory
	}
	if c.BusPollIntervalMS == 0 {
		c.BusPollIntervalMS = 200
	}
	if c.BusRetentionSec == 0 {
		c.BusRetentionSec = 300
	}
	if c.PollRatePerSec == 0 {
		c.PollRatePerSec = 5
	}
	if c.PollBurst == 0 {
		c.PollBurst = 10
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "auto"
	}
	if c.Worker.PollIntervalSec == 0 {
		c.Worker.PollIntervalSec = 2
	}
	if c.Worker.HeartbeatIntervalSec == 0 {
		c.Worker.HeartbeatIntervalSec = 10
	}
}

func (c *Config) validate() error {
	var problems []string

	if c.HeartbeatTimeoutSec < 0 {
		problems = append(problems, "heartbeat_timeout_sec must be positive")
	}
	if c.SweepIntervalSec < 0 {
		problems = append(problems, "sweep_interval_sec must be positive")
	}
	if *c.MaxRetries < 0 {
		problems = append(problems, "max_retries must not be negative")
	}
	if c.SubscriberQueueSize < 0 {
		problems = append(problems, "subscriber_queue_size must be positive")
	}
	if c.BusBackend != BusMemory && c.BusBackend != BusSQLite {
		problems = append(problems, fmt.Sprintf("bus_backend must be %q or %q", BusMemory, BusSQLite))
	}
	if c.PollRatePerSec < 0 || c.PollBurst < 0 {
		problems = append(problems, "poll_rate_per_sec and poll_burst must not be negative")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, "log_level must be debug, info, warn or error")
	}
	switch c.LogFormat {
	case "auto", "text", "json":
	default:
		problems = append(problems, "log_format must be auto, text or json")
	}
	if c.HeartbeatTimeoutSec > 0 && c.Worker.HeartbeatIntervalSec >= c.HeartbeatTimeoutSec {
		problems = append(problems, "worker.heartbeat_interval_sec must be below heartbeat_timeout_sec")
	}

	if len(problems) > 0 {
		return domain.Errorf(domain.ErrConfigInvalid, "%s: %v", domain.ErrConfigInvalid.Message, problems)
	}
	return nil
}

// ValidateWorker checks the settings the worker daemon needs on top of the
// common ones.
func (c *Config) ValidateWorker() error {
	var problems []string
	if c.Worker.ServerURL == "" {
		problems = append(problems, "worker.server_url is required")
	}
	if c.Worker.Runtime.Command == "" {
		problems = append(problems, "worker.runtime.command is required")
	}
	for i, cb := range c.Worker.Codebases {
		if cb.Name == "" || cb.Path == "" {
			problems = append(problems, fmt.Sprintf("worker.codebases[%d] needs name and path", i))
		}
	}
	if len(problems) > 0 {
		return domain.Errorf(domain.ErrConfigInvalid, "%s: %v", domain.ErrConfigInvalid.Message, problems)
	}
	return nil
}

// HeartbeatTimeout returns the worker liveness timeout.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSec) * time.Second
}

// SweepInterval returns the supervisor sweep period.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// BusPollInterval returns how often the shared bus transport polls.
func (c *Config) BusPollInterval() time.Duration {
	return time.Duration(c.BusPollIntervalMS) * time.Millisecond
}

// BusRetention returns how long shared bus rows are kept.
func (c *Config) BusRetention() time.Duration {
	return time.Duration(c.BusRetentionSec) * time.Second
}

var candidates = []string{"config.json", "config.jsonc", "config.yaml", "config.yml", "config.toml"}

// Discover looks for a config file next to the executable, then in the cwd.
func Discover() string {
	var dirs []string
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}
	dirs = append(dirs, ".")

	for _, dir := range dirs {
		for _, name := range candidates {
			p := filepath.Join(dir, name)
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
	}
	return ""
}

// Resolve picks the config path: explicit flag, then TASKRELAY_CONFIG, then
// Discover. Returns "" when nothing is found.
func Resolve(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if p := os.Getenv("TASKRELAY_CONFIG"); p != "" {
		return p
	}
	return Discover()
}
