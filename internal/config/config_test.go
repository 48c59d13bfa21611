package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCreatesDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Cache.EmailBudgetMB != 50 || cfg.Cache.ImageBudgetMB != 100 || cfg.Cache.APIBudgetMB != 10 {
		t.Errorf("unexpected default budgets %+v", cfg.Cache)
	}
	if cfg.Cache.Version != "v1" {
		t.Errorf("expected default version v1, got %q", cfg.Cache.Version)
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected config file created: %v", err)
	}
}

func TestLoadParsesAndAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
cache:
  version: v7
  email_budget_mb: 25
api:
  base_url: http://localhost:9999
  account: alice@example.com
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Cache.Version != "v7" || cfg.Cache.EmailBudgetMB != 25 {
		t.Errorf("explicit values lost: %+v", cfg.Cache)
	}
	if cfg.Cache.ImageBudgetMB != 100 {
		t.Errorf("expected default image budget applied, got %d", cfg.Cache.ImageBudgetMB)
	}
	if cfg.API.BaseURL != "http://localhost:9999" || cfg.API.Account != "alice@example.com" {
		t.Errorf("unexpected api config %+v", cfg.API)
	}
	if cfg.Daemon.ProbeInterval != 15 {
		t.Errorf("expected default probe interval, got %d", cfg.Daemon.ProbeInterval)
	}
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := os.WriteFile(path, []byte("cache: [unclosed"), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}

	cfg.Cache.Version = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty cache version")
	}

	cfg = DefaultConfig()
	cfg.API.RetryDelay = "not-a-duration"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid retry delay")
	}

	cfg = DefaultConfig()
	cfg.Cache.EmailBudgetMB = -1
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for negative budget")
	}
}

func TestSampleConfigParses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := os.WriteFile(path, []byte(GetSampleConfig()), 0o644); err != nil {
		t.Fatalf("writing sample: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("sample config must parse: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("sample config must validate: %v", err)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	got := ExpandPath("~/data/cache.db")
	if got != filepath.Join(home, "data/cache.db") {
		t.Errorf("unexpected expansion %q", got)
	}

	t.Setenv("MAILKEEP_TEST_DIR", "/opt/mk")
	if got := ExpandPath("$MAILKEEP_TEST_DIR/cache.db"); got != "/opt/mk/cache.db" {
		t.Errorf("unexpected env expansion %q", got)
	}
}
