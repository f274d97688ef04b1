package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected info level, got %s", cfg.Log.Level)
	}
	if cfg.Approval.Timeout != 4*time.Hour {
		t.Errorf("expected 4h approval timeout, got %s", cfg.Approval.Timeout)
	}
	if cfg.Dispatch.MaxAttempts != 3 {
		t.Errorf("expected 3 attempts, got %d", cfg.Dispatch.MaxAttempts)
	}
	if cfg.Learning.RejectionWeight <= cfg.Learning.FailureWeight {
		t.Errorf("expected rejection weighted above failure by default")
	}
	if cfg.Memory.Enabled {
		t.Errorf("memory should be disabled by default")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "opsgate.yaml")
	data := []byte(`
log:
  level: debug
  format: json
approval:
  timeout: 30m
dispatch:
  concurrency: 8
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("file values not applied: %+v", cfg.Log)
	}
	if cfg.Approval.Timeout != 30*time.Minute {
		t.Errorf("expected 30m timeout, got %s", cfg.Approval.Timeout)
	}
	if cfg.Dispatch.Concurrency != 8 {
		t.Errorf("expected concurrency 8, got %d", cfg.Dispatch.Concurrency)
	}
	// Untouched keys keep defaults.
	if cfg.Server.Addr != ":8080" {
		t.Errorf("expected default server addr, got %s", cfg.Server.Addr)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("OPSGATE_LOG_LEVEL", "warn")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("expected env override, got %s", cfg.Log.Level)
	}
}
