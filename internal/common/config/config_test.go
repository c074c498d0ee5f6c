package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("server.port = %d", cfg.Server.Port)
	}
	if cfg.Store.Type != "sqlite" {
		t.Errorf("store.type = %q", cfg.Store.Type)
	}
	if cfg.Store.ContentSpillThreshold != 64*1024 {
		t.Errorf("store.contentSpillThreshold = %d", cfg.Store.ContentSpillThreshold)
	}
	if cfg.Control.MaxParallelMissions != 1 {
		t.Errorf("control.maxParallelMissions = %d", cfg.Control.MaxParallelMissions)
	}
	if cfg.Control.StallCheckIntervalSecs != 120 {
		t.Errorf("control.stallCheckIntervalSecs = %d", cfg.Control.StallCheckIntervalSecs)
	}
	if cfg.Control.StallThresholdSecs != 300 {
		t.Errorf("control.stallThresholdSecs = %d", cfg.Control.StallThresholdSecs)
	}
	if cfg.Control.ToolStuckAbortTimeoutSecs != 0 {
		t.Errorf("control.toolStuckAbortTimeoutSecs = %d", cfg.Control.ToolStuckAbortTimeoutSecs)
	}
	if cfg.Control.HistoryMaxMessages != 10 ||
		cfg.Control.HistoryMaxMessageChars != 5000 ||
		cfg.Control.HistoryMaxTotalChars != 30000 {
		t.Errorf("history limits = %d/%d/%d",
			cfg.Control.HistoryMaxMessages,
			cfg.Control.HistoryMaxMessageChars,
			cfg.Control.HistoryMaxTotalChars)
	}
	if cfg.NATS.URL != "" {
		t.Errorf("nats.url should default to empty, got %q", cfg.NATS.URL)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  port: 9191
store:
  type: memory
control:
  maxParallelMissions: 4
logging:
  level: debug
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadWithPath(dir)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("server.port = %d", cfg.Server.Port)
	}
	if cfg.Store.Type != "memory" {
		t.Errorf("store.type = %q", cfg.Store.Type)
	}
	if cfg.Control.MaxParallelMissions != 4 {
		t.Errorf("control.maxParallelMissions = %d", cfg.Control.MaxParallelMissions)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q", cfg.Logging.Level)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	yaml := `
store:
  type: cassandra
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadWithPath(dir); err == nil {
		t.Fatal("expected validation error for unknown store type")
	}
}

func TestMaxParallelClampedToOne(t *testing.T) {
	dir := t.TempDir()
	yaml := `
control:
  maxParallelMissions: 0
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadWithPath(dir)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Control.MaxParallelMissions != 1 {
		t.Errorf("maxParallelMissions = %d, want clamp to 1", cfg.Control.MaxParallelMissions)
	}
}
