package config

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/taskrelay/taskrelay/internal/domain"
)

// validJSON returns a minimal valid configuration with comments.
func validJSON() string {
	return `{
		// relay database
		"db_path": "/tmp/test.db",
		"listen_addr": "127.0.0.1:9900",
		"max_retries": 0,
		"allow_unpinned": false,
	}`
}

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoad_ValidJSONC(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config.jsonc", validJSON())

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q, want /tmp/test.db", cfg.DBPath)
	}
	if cfg.ListenAddr != "127.0.0.1:9900" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	// Explicit zero values survive defaulting.
	if *cfg.MaxRetries != 0 {
		t.Errorf("MaxRetries = %d, want 0", *cfg.MaxRetries)
	}
	if *cfg.AllowUnpinned {
		t.Error("AllowUnpinned = true, want false")
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config.yaml", `
db_path: /tmp/y.db
bus_backend: sqlite
worker:
  server_url: http://relay:9800
  codebases:
    - name: api
      path: /src/api
  runtime:
    command: agent
    args: ["--json"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BusBackend != BusSQLite {
		t.Errorf("BusBackend = %q, want sqlite", cfg.BusBackend)
	}
	if len(cfg.Worker.Codebases) != 1 || cfg.Worker.Codebases[0].Path != "/src/api" {
		t.Errorf("Codebases = %+v", cfg.Worker.Codebases)
	}
	if err := cfg.ValidateWorker(); err != nil {
		t.Errorf("ValidateWorker: %v", err)
	}
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config.toml", `
db_path = "/tmp/t.db"
heartbeat_timeout_sec = 60

[worker]
server_url = "http://relay:9800"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HeartbeatTimeout() != time.Minute {
		t.Errorf("HeartbeatTimeout = %v, want 1m", cfg.HeartbeatTimeout())
	}
	if cfg.Worker.ServerURL != "http://relay:9800" {
		t.Errorf("Worker.ServerURL = %q", cfg.Worker.ServerURL)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config.json", `{not valid json}`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

func TestLoad_UnsupportedExtension(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config.ini", `db_path=x`)

	_, err := Load(path)
	if !errors.Is(err, domain.ErrConfigInvalid) {
		t.Fatalf("expected ErrConfigInvalid, got %v", err)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := map[string]string{
		"bus backend": `{"bus_backend": "redis"}`,
		"log level":   `{"log_level": "verbose"}`,
		"retries":     `{"max_retries": -1}`,
		"heartbeat":   `{"heartbeat_timeout_sec": 5, "worker": {"heartbeat_interval_sec": 5}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), "config.json", body)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			engineErr, ok := err.(*domain.EngineError)
			if !ok {
				t.Fatalf("expected EngineError, got %T", err)
			}
			if engineErr.Code != domain.ErrConfigInvalid.Code {
				t.Errorf("Code = %d, want %d", engineErr.Code, domain.ErrConfigInvalid.Code)
			}
		})
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config.json", `{}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.HeartbeatTimeoutSec != 30 {
		t.Errorf("HeartbeatTimeoutSec = %d, want 30", cfg.HeartbeatTimeoutSec)
	}
	if cfg.SweepIntervalSec != 10 {
		t.Errorf("SweepIntervalSec = %d, want 10", cfg.SweepIntervalSec)
	}
	if *cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", *cfg.MaxRetries)
	}
	if !*cfg.AllowUnpinned {
		t.Error("AllowUnpinned = false, want true")
	}
	if cfg.ListenAddr != ":9800" {
		t.Errorf("ListenAddr = %q, want :9800", cfg.ListenAddr)
	}
	if cfg.SubscriberQueueSize != 256 {
		t.Errorf("SubscriberQueueSize = %d, want 256", cfg.SubscriberQueueSize)
	}
	if cfg.BusBackend != BusMemory {
		t.Errorf("BusBackend = %q, want memory", cfg.BusBackend)
	}
}

func TestValidateWorker_Missing(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config.json", `{"worker": {"codebases": [{"name": "x"}]}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.ValidateWorker(); !errors.Is(err, domain.ErrConfigInvalid) {
		t.Errorf("expected ErrConfigInvalid, got %v", err)
	}
}

func TestResolve_EnvFallback(t *testing.T) {
	t.Setenv("TASKRELAY_CONFIG", "/etc/taskrelay/config.toml")
	if got := Resolve("explicit.json"); got != "explicit.json" {
		t.Errorf("Resolve(flag) = %q", got)
	}
	if got := Resolve(""); got != "/etc/taskrelay/config.toml" {
		t.Errorf("Resolve(env) = %q", got)
	}
}

func TestWatch_Reload(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.json", `{"max_retries": 3}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	done := make(chan error, 1)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	go func() {
		done <- Watch(ctx, path, logger, func(c *Config) { got <- c })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, dir, "config.json", `{"max_retries": 7}`)

	select {
	case cfg := <-got:
		if *cfg.MaxRetries != 7 {
			t.Errorf("reloaded MaxRetries = %d, want 7", *cfg.MaxRetries)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("config change not observed")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch returned %v", err)
	}
}
