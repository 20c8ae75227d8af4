package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Agents.Defaults.MaxConcurrentSessions != 16 {
		t.Errorf("max concurrent sessions = %d, want 16", cfg.Agents.Defaults.MaxConcurrentSessions)
	}
}

func TestLoad_PartialFileFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte(`{"agents":{"defaults":{"maxConcurrentSessions":4}}}`), 0644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Agents.Defaults.MaxConcurrentSessions != 4 {
		t.Errorf("max concurrent sessions = %d, want 4", cfg.Agents.Defaults.MaxConcurrentSessions)
	}
	if cfg.Agents.Defaults.AuthCache.TTLMs != 300000 {
		t.Errorf("auth cache ttl = %d, want default 300000", cfg.Agents.Defaults.AuthCache.TTLMs)
	}
	if cfg.Cron.MaxConcurrentRuns != 1 {
		t.Errorf("cron max concurrent runs = %d, want default 1", cfg.Cron.MaxConcurrentRuns)
	}
}

func TestLoad_WindowMsClampedToFiveSeconds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte(`{"agents":{"defaults":{"coalesce":{"windowMs":60000}}}}`), 0644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Agents.Defaults.Coalesce.WindowMs != 5000 {
		t.Errorf("window ms = %d, want clamped to 5000", cfg.Agents.Defaults.Coalesce.WindowMs)
	}
}

func TestLoad_InvalidJSONErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte(`{not valid json`), 0644)

	if _, err := Load(path); err == nil {
		t.Error("expected an error for invalid JSON")
	}
}
